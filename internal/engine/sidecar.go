package engine

import (
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/AharonR/downloader/internal/download"
	"github.com/AharonR/downloader/internal/retry"
	"github.com/AharonR/downloader/internal/storage"
)

// sidecar is the JSON-LD metadata document written next to a completed
// artifact when sidecar generation is enabled.
type sidecar struct {
	Context        string   `json:"@context"`
	Type           string   `json:"@type"`
	Name           string   `json:"name,omitempty"`
	Author         []string `json:"author,omitempty"`
	DatePublished  string   `json:"datePublished,omitempty"`
	Identifier     string   `json:"identifier,omitempty"`
	Keywords       []string `json:"keywords,omitempty"`
	URL            string   `json:"url"`
	ContentSize    int64    `json:"contentSize"`
	EncodingFormat string   `json:"encodingFormat,omitempty"`
	DateCreated    string   `json:"dateCreated"`
}

func writeSidecar(item *storage.Item, result *download.Result) error {
	doc := sidecar{
		Context:        "https://schema.org",
		Type:           "CreativeWork",
		Name:           item.Title,
		DatePublished:  item.Year,
		Identifier:     item.DOI,
		URL:            result.FinalURL,
		ContentSize:    result.Bytes,
		EncodingFormat: result.ContentType,
		DateCreated:    time.Now().UTC().Format(time.RFC3339),
	}
	if item.Authors != "" {
		for _, author := range strings.Split(item.Authors, ";") {
			if trimmed := strings.TrimSpace(author); trimmed != "" {
				doc.Author = append(doc.Author, trimmed)
			}
		}
	}
	if item.Topics != "" {
		var topics []string
		if err := json.Unmarshal([]byte(item.Topics), &topics); err == nil {
			doc.Keywords = topics
		}
	}

	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(result.Path+".jsonld", payload, 0o644); err != nil {
		return &retry.IOError{Op: "sidecar write", Err: err}
	}
	return nil
}
