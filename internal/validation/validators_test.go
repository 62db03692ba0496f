package validation

import (
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Validation", func() {
	Describe("ValidateEntityReference", func() {
		Context("with a valid entity reference", func() {
			It("should pass validation", func() {
				ref := EntityReference{
					WorkspaceID: "acme-prod",
					EntityKind:  "Component",
					EntityID:    "01J5QK8RZXWEBAPP0000001",
				}

				Expect(ValidateEntityReference(ref)).To(Succeed())
			})
		})

		Context("when workspace_id is invalid", func() {
			Context("when empty", func() {
				It("should return validation error", func() {
					ref := EntityReference{EntityKind: "Component", EntityID: "x"}
					err := ValidateEntityReference(ref)
					Expect(err).To(HaveOccurred())
					Expect(err.Error()).To(ContainSubstring("workspace_id is required"))
				})
			})

			Context("when too long", func() {
				It("should return validation error", func() {
					ref := EntityReference{
						WorkspaceID: strings.Repeat("a", 64),
						EntityKind:  "Component",
						EntityID:    "x",
					}
					err := ValidateEntityReference(ref)
					Expect(err).To(HaveOccurred())
					Expect(err.Error()).To(ContainSubstring("workspace_id must be 63 characters or less"))
				})
			})

			Context("when it has invalid characters", func() {
				It("should reject uppercase", func() {
					ref := EntityReference{WorkspaceID: "Acme", EntityKind: "Component", EntityID: "x"}
					err := ValidateEntityReference(ref)
					Expect(err).To(HaveOccurred())
					Expect(err.Error()).To(ContainSubstring("workspace_id must be a valid lowercase identifier"))
				})

				It("should reject underscores", func() {
					ref := EntityReference{WorkspaceID: "acme_prod", EntityKind: "Component", EntityID: "x"}
					err := ValidateEntityReference(ref)
					Expect(err).To(HaveOccurred())
					Expect(err.Error()).To(ContainSubstring("workspace_id must be a valid lowercase identifier"))
				})
			})
		})

		Context("when entity_kind is invalid", func() {
			Context("when empty", func() {
				It("should return validation error", func() {
					ref := EntityReference{WorkspaceID: "acme", EntityKind: "", EntityID: "x"}
					err := ValidateEntityReference(ref)
					Expect(err).To(HaveOccurred())
					Expect(err.Error()).To(ContainSubstring("entity_kind is required"))
				})
			})

			Context("when too long", func() {
				It("should return validation error", func() {
					ref := EntityReference{
						WorkspaceID: "acme",
						EntityKind:  "A" + strings.Repeat("a", 100),
						EntityID:    "x",
					}
					err := ValidateEntityReference(ref)
					Expect(err).To(HaveOccurred())
					Expect(err.Error()).To(ContainSubstring("entity_kind must be 100 characters or less"))
				})
			})

			Context("when it doesn't start with an uppercase letter", func() {
				It("should return validation error", func() {
					ref := EntityReference{WorkspaceID: "acme", EntityKind: "component", EntityID: "x"}
					err := ValidateEntityReference(ref)
					Expect(err).To(HaveOccurred())
					Expect(err.Error()).To(ContainSubstring("entity_kind must be a valid PascalCase entity kind"))
				})
			})
		})

		Context("when entity_id is invalid", func() {
			Context("when empty", func() {
				It("should return validation error", func() {
					ref := EntityReference{WorkspaceID: "acme", EntityKind: "Component", EntityID: ""}
					err := ValidateEntityReference(ref)
					Expect(err).To(HaveOccurred())
					Expect(err.Error()).To(ContainSubstring("entity_id is required"))
				})
			})

			Context("when too long", func() {
				It("should return validation error", func() {
					ref := EntityReference{
						WorkspaceID: "acme",
						EntityKind:  "Component",
						EntityID:    strings.Repeat("a", 254),
					}
					err := ValidateEntityReference(ref)
					Expect(err).To(HaveOccurred())
					Expect(err.Error()).To(ContainSubstring("entity_id must be 253 characters or less"))
				})
			})
		})

		Context("with multiple validation errors", func() {
			It("should return every violation", func() {
				err := ValidateEntityReference(EntityReference{})
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("workspace_id is required"))
				Expect(err.Error()).To(ContainSubstring("entity_kind is required"))
				Expect(err.Error()).To(ContainSubstring("entity_id is required"))
			})
		})
	})

	Describe("ValidateStringInput", func() {
		Context("with valid input", func() {
			It("should pass validation", func() {
				Expect(ValidateStringInput("field", "validinput123", 100)).To(Succeed())
			})
		})

		Context("when input is too long", func() {
			It("should return validation error", func() {
				err := ValidateStringInput("field", "toolong", 5)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("must be 5 characters or less"))
			})
		})

		Context("when input contains injection patterns", func() {
			It("should detect UNION attacks", func() {
				err := ValidateStringInput("field", "'; UNION SELECT * FROM users --", 100)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("contains potentially unsafe characters"))
			})

			It("should detect script injection", func() {
				err := ValidateStringInput("field", "<script>alert('xss')</script>", 100)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("contains potentially unsafe characters"))
			})
		})

		Context("when input contains control characters", func() {
			It("should detect control characters", func() {
				controlChar := string(rune(0x01))
				err := ValidateStringInput("field", "input"+controlChar, 100)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("contains invalid control characters"))
			})

			It("should allow valid whitespace", func() {
				Expect(ValidateStringInput("field", "input\twith\nlines\r", 100)).To(Succeed())
			})
		})
	})

	Describe("ValidateMVKind", func() {
		Context("with registered MV kinds", func() {
			for _, kind := range []string{"component_list", "component_detail", "schema_variant_detail", "view_list"} {
				kind := kind
				It("should accept "+kind, func() {
					Expect(ValidateMVKind(kind)).To(Succeed())
				})
			}
		})

		Context("with an unregistered kind", func() {
			It("should reject it", func() {
				err := ValidateMVKind("not_a_real_mv")
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("is not a recognized materialized view kind"))
			})
		})
	})

	Describe("ValidateDurationString", func() {
		Context("with valid shorthand durations", func() {
			for _, d := range []string{"1h", "24h", "7d", "30d", "60m", "500ms"} {
				d := d
				It("should accept "+d, func() {
					Expect(ValidateDurationString(d)).To(Succeed())
				})
			}
		})

		Context("with invalid input", func() {
			It("should reject malformed strings", func() {
				err := ValidateDurationString("invalid")
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("must be in format like"))
			})
		})
	})

	Describe("ValidateWindowMinutes", func() {
		Context("with valid windows", func() {
			It("should accept valid ranges", func() {
				for _, w := range []int{1, 60, 120, 1440, 10080} {
					Expect(ValidateWindowMinutes(w)).To(Succeed())
				}
			})
		})

		Context("with invalid windows", func() {
			It("should reject zero and negative", func() {
				Expect(ValidateWindowMinutes(0)).To(HaveOccurred())
				Expect(ValidateWindowMinutes(-1)).To(HaveOccurred())
			})

			It("should reject windows over 7 days", func() {
				err := ValidateWindowMinutes(20000)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("must be 7 days (10080 minutes) or less"))
			})
		})
	})

	Describe("ValidateLimit", func() {
		Context("with valid limits", func() {
			It("should accept valid ranges", func() {
				for _, l := range []int{1, 50, 100, 1000, 10000} {
					Expect(ValidateLimit(l)).To(Succeed())
				}
			})
		})

		Context("with invalid limits", func() {
			It("should reject zero and negative", func() {
				Expect(ValidateLimit(0)).To(HaveOccurred())
				Expect(ValidateLimit(-1)).To(HaveOccurred())
			})

			It("should reject values above the max", func() {
				err := ValidateLimit(50000)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("must be 10000 or less"))
			})
		})
	})

	Describe("SanitizeForLogging", func() {
		Context("with clean input", func() {
			It("should return input unchanged", func() {
				input := "clean input text"
				Expect(SanitizeForLogging(input)).To(Equal(input))
			})
		})

		Context("with control characters", func() {
			It("should replace control characters", func() {
				controlChar := string(rune(0x01))
				Expect(SanitizeForLogging("text" + controlChar + "more")).To(Equal("text?more"))
			})

			It("should preserve valid whitespace", func() {
				input := "text\twith\nlines\r"
				Expect(SanitizeForLogging(input)).To(Equal(input))
			})
		})

		Context("with long input", func() {
			It("should truncate long strings", func() {
				longInput := strings.Repeat("a", 300)
				result := SanitizeForLogging(longInput)
				Expect(len(result)).To(Equal(200))
				Expect(result).To(HaveSuffix("..."))
			})
		})
	})
})
