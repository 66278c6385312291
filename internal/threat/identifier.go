package threat

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/miekg/dns"

	"ctiengine/internal/common"
)

// ErrInvalidIdentifier is returned for queries that are neither IPv4-shaped nor a valid domain name.
var ErrInvalidIdentifier = errors.New("invalid identifier")

var ipPattern = regexp.MustCompile(`^(\d{1,3}\.){3}\d{1,3}$`)

// Classify normalizes query and decides whether it names an IP address or a domain.
// Four dot-separated groups of one to three digits are an IP; anything else must parse as a domain.
func Classify(query string) (string, common.Kind, error) {
	id := strings.TrimSpace(query)
	if id == "" {
		return "", "", fmt.Errorf("%w: empty query", ErrInvalidIdentifier)
	}
	if ipPattern.MatchString(id) {
		return id, common.KindIP, nil
	}

	id = strings.ToLower(strings.TrimSuffix(id, "."))
	if id == "" || strings.ContainsAny(id, " \t\r\n/\\@:?#") {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidIdentifier, query)
	}
	if _, ok := dns.IsDomainName(id); !ok {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidIdentifier, query)
	}
	return id, common.KindDomain, nil
}
