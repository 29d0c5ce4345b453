package baresip

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	phoneLike    = regexp.MustCompile(`^[\d+\-(). ]+$`)
	nonPhoneChar = regexp.MustCompile(`[^\d+]`)
)

// PeerFromURI extracts the contact ID from a SIP or tel URI. Phone numbers
// are reduced to digits and a leading plus.
func PeerFromURI(uri string) string {
	uri = strings.TrimSpace(uri)
	if i := strings.IndexByte(uri, '<'); i != -1 {
		uri = uri[i+1:]
		if j := strings.IndexByte(uri, '>'); j != -1 {
			uri = uri[:j]
		}
	}
	uri = strings.TrimPrefix(uri, "sips:")
	uri = strings.TrimPrefix(uri, "sip:")
	uri = strings.TrimPrefix(uri, "tel:")

	if idx := strings.Index(uri, "@"); idx != -1 {
		uri = uri[:idx]
	}
	if idx := strings.Index(uri, ";"); idx != -1 {
		uri = uri[:idx]
	}
	return normalizeContact(uri)
}

func normalizeContact(id string) string {
	id = strings.TrimSpace(id)
	if phoneLike.MatchString(id) {
		return nonPhoneChar.ReplaceAllString(id, "")
	}
	return strings.ToLower(id)
}

// FormatURI formats a contact as a SIP URI. Contacts that already carry a
// scheme are passed through.
func FormatURI(contactID, domain string) string {
	if strings.HasPrefix(contactID, "sip:") || strings.HasPrefix(contactID, "sips:") {
		return contactID
	}
	if domain == "" {
		domain = "localhost"
	}
	return fmt.Sprintf("sip:%s@%s", normalizeContact(contactID), domain)
}
