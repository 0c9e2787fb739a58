package engine

import (
	"strings"

	"github.com/AharonR/downloader/internal/storage"
)

// FailureCategory groups terminal failures for user-facing summaries.
type FailureCategory int

const (
	// CategoryAuth covers authentication and proxy-auth failures.
	CategoryAuth FailureCategory = iota
	// CategoryInputSource covers stale links and unparseable inputs.
	CategoryInputSource
	// CategoryNetwork covers connectivity and transport failures.
	CategoryNetwork
	// CategoryOther covers everything unclassified.
	CategoryOther
)

// Label returns the display name of the category.
func (c FailureCategory) Label() string {
	switch c {
	case CategoryAuth:
		return "Authentication"
	case CategoryInputSource:
		return "Input/Source"
	case CategoryNetwork:
		return "Network"
	default:
		return "Other"
	}
}

// FailureDescriptor renders a terminal failure as what happened, why,
// and a concrete fix suggestion. No sensitive values ever appear here.
type FailureDescriptor struct {
	Category FailureCategory
	What     string
	Why      string
	Fix      string
}

// DescribeAttempt returns the descriptor for a failed history row,
// preferring the typed error category over message classification.
func DescribeAttempt(attempt *storage.Attempt) FailureDescriptor {
	if d, ok := describeErrorType(attempt); ok {
		return d
	}
	if attempt.ErrorMessage != "" {
		return ClassifyFailureMessage(attempt.ErrorMessage)
	}
	return otherDescriptor()
}

func describeErrorType(attempt *storage.Attempt) (FailureDescriptor, bool) {
	switch attempt.ErrorType {
	case storage.ErrorTypeAuth:
		if attempt.HTTPStatus != nil && *attempt.HTTPStatus == 407 {
			return FailureDescriptor{
				Category: CategoryAuth,
				What:     "Proxy authentication required",
				Why:      "The proxy rejected this request until valid proxy credentials are provided.",
				Fix:      "Configure your HTTP proxy settings or check proxy credentials.",
			}, true
		}
		return FailureDescriptor{
			Category: CategoryAuth,
			What:     "Authentication required",
			Why:      "The source requires authenticated access before download is allowed.",
			Fix:      "Import a logged-in session cookie file with `downloader cookies import`.",
		}, true
	case storage.ErrorTypeNotFound:
		return FailureDescriptor{
			Category: CategoryInputSource,
			What:     "Source not found",
			Why:      "The source URL/reference no longer resolves to a downloadable resource.",
			Fix:      "Verify the source URL/DOI/reference and retry with an updated source.",
		}, true
	case storage.ErrorTypeParseError:
		return FailureDescriptor{
			Category: CategoryInputSource,
			What:     "Input could not be parsed",
			Why:      "The supplied source format could not be interpreted safely.",
			Fix:      "Check input formatting and rerun with a valid URL/DOI/reference.",
		}, true
	case storage.ErrorTypeNetwork:
		return FailureDescriptor{
			Category: CategoryNetwork,
			What:     "Network request failed",
			Why:      "Connectivity, DNS, TLS, or VPN conditions interrupted the request.",
			Fix:      "Check connectivity/VPN settings, then retry.",
		}, true
	}
	return FailureDescriptor{}, false
}

// ClassifyFailureMessage buckets a raw error message into a descriptor
// when no typed error category was recorded.
func ClassifyFailureMessage(message string) FailureDescriptor {
	switch {
	case strings.HasPrefix(message, "[AUTH]"):
		if strings.Contains(message, "(HTTP 407)") {
			return FailureDescriptor{
				Category: CategoryAuth,
				What:     "Proxy authentication required",
				Why:      "The proxy rejected this request until valid proxy credentials are provided.",
				Fix:      "Configure your HTTP proxy settings or check proxy credentials.",
			}
		}
		return FailureDescriptor{
			Category: CategoryAuth,
			What:     "Authentication required",
			Why:      "The source requires a valid logged-in session/cookie before access.",
			Fix:      "Import a logged-in session cookie file with `downloader cookies import`.",
		}
	case strings.Contains(message, "HTTP 404"):
		return FailureDescriptor{
			Category: CategoryInputSource,
			What:     "Source not found",
			Why:      "The resolved source returned HTTP 404, which usually means the link is stale.",
			Fix:      "Verify the source URL or reference and retry with an updated link.",
		}
	case strings.Contains(message, "timeout"):
		return FailureDescriptor{
			Category: CategoryNetwork,
			What:     "Download timed out",
			Why:      "The remote host did not respond within the request timeout window.",
			Fix:      "Increase retries or check network stability before retrying.",
		}
	case strings.Contains(message, "network error"):
		return FailureDescriptor{
			Category: CategoryNetwork,
			What:     "Network request failed",
			Why:      "Connectivity, DNS, TLS, or VPN conditions interrupted the request.",
			Fix:      "Check connectivity/VPN settings, then rerun to resume.",
		}
	default:
		return otherDescriptor()
	}
}

func otherDescriptor() FailureDescriptor {
	return FailureDescriptor{
		Category: CategoryOther,
		What:     "Unhandled failure",
		Why:      "The error did not match a known category and needs closer inspection.",
		Fix:      "Inspect logs and rerun; unresolved items stay in the queue.",
	}
}

// ExtractAuthDomain pulls the domain out of an "[AUTH] authentication
// required for <domain> (HTTP ...)" message.
func ExtractAuthDomain(message string) string {
	const prefix = "[AUTH] authentication required for "
	rest, ok := strings.CutPrefix(message, prefix)
	if !ok {
		return ""
	}
	end := strings.Index(rest, " (HTTP")
	if end < 0 {
		return ""
	}
	return rest[:end]
}
