// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"fmt"
	"unicode/utf8"
)

// InputValidator validates wire input and prevents protocol
// vulnerabilities, adapted from the teacher's InputValidator
// (validation.go) with SPICE-relevant checks in place of the VNC
// framebuffer/pixel-format ones it replaces (DESIGN.md "Validation").
type InputValidator struct{}

// newInputValidator creates a new input validator.
func newInputValidator() *InputValidator {
	return &InputValidator{}
}

// defaultValidator is shared by wire-level code (wire.go, link.go) that
// has no Session to hold its own *InputValidator. InputValidator carries
// no state, so a single package-wide instance is equivalent to any
// other.
var defaultValidator = newInputValidator()

// ValidateLinkMagic checks the four-byte link magic value (spec.md §4.3).
func (iv *InputValidator) ValidateLinkMagic(magic uint32) error {
	if magic != LinkMagic {
		return validationError("InputValidator.ValidateLinkMagic",
			fmt.Sprintf("invalid link magic: 0x%08X", magic), nil)
	}
	return nil
}

// ValidateProtocolVersion checks the advertised major/minor protocol
// version against what this client supports.
func (iv *InputValidator) ValidateProtocolVersion(major, minor uint32) error {
	if major != VersionMajor {
		return validationError("InputValidator.ValidateProtocolVersion",
			fmt.Sprintf("unsupported protocol major version %d.%d", major, minor), nil)
	}
	return nil
}

// ValidateLinkStatus checks a link/auth status code for success.
func (iv *InputValidator) ValidateLinkStatus(status uint32) error {
	if status != LinkErrOK {
		return validationError("InputValidator.ValidateLinkStatus",
			fmt.Sprintf("non-OK link status: %d", status), nil)
	}
	return nil
}

// ValidateFrameSize bounds an inbound mini-header size field.
func (iv *InputValidator) ValidateFrameSize(size, maxSize uint32) error {
	if size > maxSize {
		return validationError("InputValidator.ValidateFrameSize",
			fmt.Sprintf("frame size %d exceeds maximum %d", size, maxSize), nil)
	}
	return nil
}

// ValidatePassword bounds a cleartext password to spec.md §6's 31-byte
// (plus terminator) cap.
func (iv *InputValidator) ValidatePassword(password string) error {
	if len(password) > maxPasswordLength {
		return validationError("InputValidator.ValidatePassword",
			fmt.Sprintf("password length %d exceeds maximum %d", len(password), maxPasswordLength), nil)
	}
	return nil
}

// ValidateAnnouncementSize enforces the 1024-byte cap on agent
// capability/grab-list announcements (spec.md §4.8, §7).
func (iv *InputValidator) ValidateAnnouncementSize(size int) error {
	if size > agentMaxAnnounceSize {
		return agentError("InputValidator.ValidateAnnouncementSize",
			fmt.Sprintf("announcement size %d exceeds maximum %d", size, agentMaxAnnounceSize), nil)
	}
	return nil
}

// ValidateAgentProtocol rejects any agent header whose protocol field
// isn't the one version (1) this client speaks (spec.md §4.8).
func (iv *InputValidator) ValidateAgentProtocol(protocol uint32) error {
	if protocol != agentProtocolVersion {
		return agentError("InputValidator.ValidateAgentProtocol",
			fmt.Sprintf("unsupported agent protocol version %d", protocol), nil)
	}
	return nil
}

// ValidateScancode bounds a key scancode to the range this client
// understands, at most 0x1FF (values below 0x100 are raw PS/2 set-1 bytes; values at or
// above are escaped codes, spec.md §4.6).
func (iv *InputValidator) ValidateScancode(code uint32) error {
	const maxScancode = 0x1FF
	if code > maxScancode {
		return validationError("InputValidator.ValidateScancode",
			fmt.Sprintf("scancode 0x%X exceeds maximum 0x%X", code, maxScancode), nil)
	}
	return nil
}

// ValidateClipboardText validates clipboard text payloads for UTF-8
// well-formedness and a sane size bound.
func (iv *InputValidator) ValidateClipboardText(text string, maxLength int) error {
	if len(text) > maxLength {
		return validationError("InputValidator.ValidateClipboardText",
			fmt.Sprintf("text length %d exceeds maximum %d", len(text), maxLength), nil)
	}
	if !utf8.ValidString(text) {
		return validationError("InputValidator.ValidateClipboardText",
			"text contains invalid UTF-8 sequences", nil)
	}
	return nil
}

// ValidateBinaryData validates a binary payload's length against an
// expected (if known) and maximum size.
func (iv *InputValidator) ValidateBinaryData(data []byte, expectedLength, maxLength int) error {
	if data == nil {
		return validationError("InputValidator.ValidateBinaryData",
			"binary data cannot be nil", nil)
	}
	if expectedLength > 0 && len(data) != expectedLength {
		return validationError("InputValidator.ValidateBinaryData",
			fmt.Sprintf("binary data length %d does not match expected %d", len(data), expectedLength), nil)
	}
	if len(data) > maxLength {
		return validationError("InputValidator.ValidateBinaryData",
			fmt.Sprintf("binary data length %d exceeds maximum %d", len(data), maxLength), nil)
	}
	return nil
}
