package metrics

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"
)

var _ = Describe("Server", func() {
	var logger *logrus.Logger

	BeforeEach(func() {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	})

	Describe("NewServer", func() {
		It("should create a server with correct configuration", func() {
			server := NewServer("8080", logger)

			Expect(server).ToNot(BeNil())
			Expect(server.server).ToNot(BeNil())
			Expect(server.server.Addr).To(Equal(":8080"))
			Expect(server.log).ToNot(BeNil())
		})
	})

	Describe("Server lifecycle", func() {
		It("should start and stop server successfully", func() {
			server := NewServer("0", logger)

			server.StartAsync()
			time.Sleep(100 * time.Millisecond)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			err := server.Stop(ctx)
			Expect(err).ToNot(HaveOccurred())
		})
	})

	Describe("Metrics endpoint", func() {
		It("should serve metrics in Prometheus format", func() {
			server := NewServer("9999", logger)

			server.StartAsync()
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = server.Stop(ctx)
			}()

			time.Sleep(200 * time.Millisecond)

			resp, err := http.Get("http://localhost:9999/metrics")
			Expect(err).ToNot(HaveOccurred())
			defer resp.Body.Close()

			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(ContainSubstring("text/plain"))

			body, err := io.ReadAll(resp.Body)
			Expect(err).ToNot(HaveOccurred())

			bodyStr := string(body)
			Expect(bodyStr).To(ContainSubstring("# HELP"))
			Expect(bodyStr).To(ContainSubstring("# TYPE"))
		})
	})

	Describe("Health endpoint", func() {
		It("should return OK status", func() {
			server := NewServer("9998", logger)

			server.StartAsync()
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = server.Stop(ctx)
			}()

			time.Sleep(200 * time.Millisecond)

			resp, err := http.Get("http://localhost:9998/health")
			Expect(err).ToNot(HaveOccurred())
			defer resp.Body.Close()

			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			body, err := io.ReadAll(resp.Body)
			Expect(err).ToNot(HaveOccurred())

			Expect(string(body)).To(Equal("OK"))
		})
	})

	Describe("Readiness endpoint", func() {
		It("should return OK status", func() {
			server := NewServer("9991", logger)

			server.StartAsync()
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = server.Stop(ctx)
			}()

			time.Sleep(200 * time.Millisecond)

			resp, err := http.Get("http://localhost:9991/readyz")
			Expect(err).ToNot(HaveOccurred())
			defer resp.Body.Close()

			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})

	Describe("Error handling", func() {
		It("should handle server start and stop gracefully", func() {
			server1 := NewServer("9997", logger)
			server2 := NewServer("9996", logger)

			server1.StartAsync()
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = server1.Stop(ctx)
			}()

			time.Sleep(100 * time.Millisecond)

			server2.StartAsync()

			ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
			defer cancel()

			err := server2.Stop(ctx)
			Expect(err).ToNot(HaveOccurred())
		})

		It("should handle stop timeout gracefully", func() {
			server := NewServer("9995", logger)

			server.StartAsync()
			time.Sleep(100 * time.Millisecond)

			ctx, cancel := context.WithTimeout(context.Background(), 1*time.Nanosecond)
			defer cancel()

			_ = server.Stop(ctx)

			ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel2()
			_ = server.Stop(ctx2)
		})

		It("should handle context cancellation gracefully", func() {
			server := NewServer("9992", logger)

			server.StartAsync()
			time.Sleep(100 * time.Millisecond)

			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			err := server.Stop(ctx)
			_ = err
		})
	})

	Describe("Custom metrics", func() {
		It("should serve custom metrics correctly", func() {
			RecordChangeSetCommit()
			RecordChangeSetCommit()
			RecordEddaBuild("test_server_rebuild")

			server := NewServer("9994", logger)
			server.StartAsync()
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = server.Stop(ctx)
			}()

			time.Sleep(200 * time.Millisecond)

			resp, err := http.Get("http://localhost:9994/metrics")
			Expect(err).ToNot(HaveOccurred())
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			Expect(err).ToNot(HaveOccurred())

			bodyStr := string(body)

			Expect(bodyStr).To(ContainSubstring("changesets_committed_total"))
			Expect(bodyStr).To(ContainSubstring("edda_builds_total"))
			Expect(bodyStr).To(ContainSubstring(`edda_builds_total{request_type="test_server_rebuild"}`))
		})
	})

	Describe("Concurrent access", func() {
		It("should handle multiple concurrent clients", func() {
			server := NewServer("9993", logger)
			server.StartAsync()
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = server.Stop(ctx)
			}()

			time.Sleep(200 * time.Millisecond)

			numRequests := 5
			results := make(chan error, numRequests)

			for i := 0; i < numRequests; i++ {
				go func(i int) {
					defer GinkgoRecover()
					resp, err := http.Get("http://localhost:9993/metrics")
					if err != nil {
						results <- err
						return
					}
					defer resp.Body.Close()

					if resp.StatusCode != http.StatusOK {
						results <- fmt.Errorf("request %d: expected status 200, got %d", i, resp.StatusCode)
						return
					}

					results <- nil
				}(i)
			}

			for i := 0; i < numRequests; i++ {
				err := <-results
				Expect(err).ToNot(HaveOccurred(), "Request %d failed", i)
			}
		})
	})

	Describe("Configuration", func() {
		It("should handle invalid port configuration", func() {
			server := NewServer("invalid", logger)

			Expect(server).ToNot(BeNil())
			Expect(server.server.Addr).To(Equal(":invalid"))
		})
	})
})
