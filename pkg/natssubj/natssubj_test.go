package natssubj

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("subject templates", func() {
	It("builds a prefixed edda request subject", func() {
		Expect(EddaRequests("si", "Update", "ws-1", "cs-1")).To(Equal("si.edda.requests.Update.ws-1.cs-1"))
	})

	It("omits the leading dot when no prefix is configured", func() {
		Expect(EddaRequests("", "Update", "ws-1", "cs-1")).To(Equal("edda.requests.Update.ws-1.cs-1"))
	})

	It("builds the edda updates broadcast subject", func() {
		Expect(EddaUpdates("si", "ws-1", "cs-1")).To(Equal("si.edda.updates.ws-1.cs-1"))
	})

	It("builds the veritech kill subject", func() {
		Expect(VeritechKill("si", "exec-1")).To(Equal("si.veritech.kill.exec-1"))
	})

	It("parses the trailing workspace/change-set pair off a concrete subject", func() {
		ws, cs, ok := ParseWorkspaceChangeSet("si.edda.requests.Update.ws-1.cs-1")
		Expect(ok).To(BeTrue())
		Expect(ws).To(Equal("ws-1"))
		Expect(cs).To(Equal("cs-1"))
	})

	It("reports ok=false for a subject too short to contain the pair", func() {
		_, _, ok := ParseWorkspaceChangeSet("only-one")
		Expect(ok).To(BeFalse())
	})
})
