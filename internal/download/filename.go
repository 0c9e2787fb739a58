package download

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
	"unicode"
)

// Metadata carries resolver fields consumed by preferred-filename
// derivation.
type Metadata struct {
	Title   string
	Authors string // "Family, Given; Family, Given" format
	Year    string
}

const titleMaxRunes = 60

// BuildPreferredFilename derives a filename from resolver metadata:
// Author_Year_Title.ext when author, year and title are all present,
// otherwise domain-with-dashes_<unix-timestamp>.ext.
func BuildPreferredFilename(rawURL string, meta Metadata) string {
	ext := extensionFromURL(rawURL)
	if ext == "" {
		ext = ".bin"
	}

	author := extractPrimaryAuthor(meta.Authors)
	year := sanitizeComponent(meta.Year)
	title := sanitizeComponent(meta.Title)
	if title != "" {
		runes := []rune(title)
		if len(runes) > titleMaxRunes {
			title = string(runes[:titleMaxRunes])
		}
	}

	if author != "" && year != "" && title != "" {
		return author + "_" + year + "_" + title + ext
	}

	domain := "download"
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		domain = u.Hostname()
	}
	domain = sanitizeComponent(strings.ReplaceAll(domain, ".", "-"))
	return fmt.Sprintf("%s_%d%s", domain, time.Now().Unix(), ext)
}

// extensionFromURL returns the lowercase extension of the last path
// segment when it looks plausible (1-12 chars after the dot).
func extensionFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	segments := strings.Split(u.Path, "/")
	last := segments[len(segments)-1]
	return plausibleExtension(last)
}

func plausibleExtension(name string) string {
	dot := strings.LastIndex(name, ".")
	if dot < 0 {
		return ""
	}
	ext := name[dot:]
	if len(ext) <= 1 || len(ext) > 13 {
		return ""
	}
	for _, r := range ext[1:] {
		if r > unicode.MaxASCII || (!unicode.IsLetter(r) && !unicode.IsDigit(r)) {
			return ""
		}
	}
	return strings.ToLower(ext)
}

// extractPrimaryAuthor returns the sanitized family name of the first
// author in a "Family, Given; ..." list.
func extractPrimaryAuthor(authors string) string {
	first := authors
	if idx := strings.Index(authors, ";"); idx >= 0 {
		first = authors[:idx]
	}
	first = strings.TrimSpace(first)
	if first == "" {
		return ""
	}
	family := first
	if idx := strings.Index(first, ","); idx >= 0 {
		if f := strings.TrimSpace(first[:idx]); f != "" {
			family = f
		}
	}
	return sanitizeComponent(family)
}

// sanitizeComponent maps a metadata value onto filename-safe runes,
// collapsing runs of replaced characters into a single underscore and
// trimming leading/trailing underscores.
func sanitizeComponent(value string) string {
	var b strings.Builder
	prevSep := false
	for _, r := range value {
		var mapped rune
		switch {
		case strings.ContainsRune(`/\:*?"<>|'`, r):
			mapped = '_'
		case unicode.IsSpace(r) || unicode.IsControl(r):
			mapped = '_'
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' || r == '.':
			mapped = r
		default:
			mapped = '_'
		}
		if mapped == '_' {
			if !prevSep {
				b.WriteRune('_')
				prevSep = true
			}
		} else {
			b.WriteRune(mapped)
			prevSep = false
		}
	}
	return strings.Trim(b.String(), "_")
}

// SanitizeFilename replaces characters that are invalid on common
// filesystems with underscores and neutralizes dot-only segments.
func SanitizeFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case strings.ContainsRune(`/\:*?"<>|`, r):
			b.WriteRune('_')
		case unicode.IsControl(r):
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	sanitized := b.String()
	if sanitized == "" {
		return "_"
	}
	// "." and ".." must never survive as path components.
	trimmed := strings.Trim(sanitized, ".")
	if trimmed == "" {
		return strings.ReplaceAll(sanitized, ".", "_")
	}
	return sanitized
}

// windowsReservedNames are device names that cannot be used as file
// basenames on Windows.
var windowsReservedNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true,
	"COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true,
	"LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

func avoidReservedName(name string) string {
	if runtime.GOOS != "windows" {
		return name
	}
	stem := name
	if dot := strings.Index(name, "."); dot >= 0 {
		stem = name[:dot]
	}
	if windowsReservedNames[strings.ToUpper(stem)] {
		return name + "-project"
	}
	return name
}

// extensionFromContentType maps a Content-Type header onto a file
// extension, falling back to .bin for unknown types.
func extensionFromContentType(contentType string) string {
	mime := contentType
	if idx := strings.Index(mime, ";"); idx >= 0 {
		mime = mime[:idx]
	}
	switch strings.ToLower(strings.TrimSpace(mime)) {
	case "text/html":
		return ".html"
	case "text/plain":
		return ".txt"
	case "application/json":
		return ".json"
	case "application/xml", "text/xml":
		return ".xml"
	case "application/pdf":
		return ".pdf"
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/svg+xml":
		return ".svg"
	case "application/zip":
		return ".zip"
	case "application/gzip":
		return ".gz"
	case "text/css":
		return ".css"
	case "text/javascript", "application/javascript":
		return ".js"
	case "video/mp4":
		return ".mp4"
	case "audio/mpeg":
		return ".mp3"
	default:
		return ".bin"
	}
}

// parseContentDisposition extracts a filename from a
// Content-Disposition header, preferring the RFC 5987 filename* form.
func parseContentDisposition(header string) string {
	if idx := strings.Index(header, "filename*="); idx >= 0 {
		value := strings.TrimSpace(header[idx+len("filename*="):])
		// Format: charset'language'percent-encoded-value
		if quote := strings.Index(value, "''"); quote >= 0 {
			encoded := value[quote+2:]
			if end := strings.Index(encoded, ";"); end >= 0 {
				encoded = encoded[:end]
			}
			if decoded, err := url.QueryUnescape(strings.TrimSpace(encoded)); err == nil {
				return decoded
			}
		}
	}

	if idx := strings.Index(header, "filename="); idx >= 0 {
		value := strings.TrimSpace(header[idx+len("filename="):])
		if strings.HasPrefix(value, `"`) {
			rest := value[1:]
			if end := strings.Index(rest, `"`); end >= 0 {
				return rest[:end]
			}
			return ""
		}
		if end := strings.Index(value, ";"); end >= 0 {
			value = value[:end]
		}
		return strings.TrimSpace(value)
	}

	return ""
}

// fallbackFilenameFromURL derives a name from the last non-empty path
// segment, or synthesizes download_<unix-timestamp>.bin.
func fallbackFilenameFromURL(u *url.URL) string {
	segments := strings.Split(u.Path, "/")
	for i := len(segments) - 1; i >= 0; i-- {
		if segments[i] != "" {
			if decoded, err := url.PathUnescape(segments[i]); err == nil {
				return SanitizeFilename(decoded)
			}
			return SanitizeFilename(segments[i])
		}
	}
	return fmt.Sprintf("download_%d.bin", time.Now().Unix())
}

// safeBasename sanitizes name and rejects anything that could escape
// the output directory, falling back to download.bin.
func safeBasename(name string) string {
	sanitized := avoidReservedName(SanitizeFilename(name))
	if strings.ContainsAny(sanitized, `/\`) ||
		strings.Trim(sanitized, "_") == "" ||
		sanitized == "." || sanitized == ".." {
		return "download.bin"
	}
	return sanitized
}

// resolveUniquePath returns dir/name, appending _1.._999 on collision
// and falling back to a timestamp suffix beyond that.
func resolveUniquePath(dir, name string, suffixStart int) string {
	name = safeBasename(name)
	base := filepath.Join(dir, name)
	if _, err := os.Stat(base); os.IsNotExist(err) {
		return base
	}

	stem, ext := splitExt(name)
	for i := suffixStart; i < 1000; i++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s_%d%s", stem, i, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
	return filepath.Join(dir, fmt.Sprintf("%s_%d%s", stem, time.Now().Unix(), ext))
}

func splitExt(name string) (string, string) {
	if dot := strings.LastIndex(name, "."); dot >= 0 {
		return name[:dot], name[dot:]
	}
	return name, ""
}
