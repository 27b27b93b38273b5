// Package jsonld normalizes ActivityPub documents against a closed, offline
// set of contexts. Unknown @context URLs resolve to an empty context instead
// of a network fetch, so a hostile document cannot trigger SSRF.
package jsonld

import (
	"embed"
	"encoding/json"

	"github.com/piprate/json-gold/ld"
	"github.com/pkg/errors"
)

//go:embed contexts/*.json
var contextFS embed.FS

var contextFiles = map[string]string{
	"https://www.w3.org/ns/activitystreams": "contexts/activity-streams.json",
	"https://w3id.org/security/v1":          "contexts/security.json",
	"http://joinmastodon.org/ns":            "contexts/mastodon.json",
}

// order matters for term precedence during compaction
var contextURLs = []string{
	"https://www.w3.org/ns/activitystreams",
	"https://w3id.org/security/v1",
	"http://joinmastodon.org/ns",
}

// Compactor rewrites JSON-LD documents into the known vocabulary.
type Compactor struct {
	proc    *ld.JsonLdProcessor
	options *ld.JsonLdOptions
	context []any
}

type offlineLoader struct {
	documents map[string]any
}

func (l *offlineLoader) LoadDocument(u string) (*ld.RemoteDocument, error) {
	document, ok := l.documents[u]
	if !ok {
		document = map[string]any{"@context": map[string]any{}}
	}
	return &ld.RemoteDocument{DocumentURL: u, Document: document}, nil
}

// NewCompactor parses the embedded contexts and returns a ready Compactor.
func NewCompactor() (*Compactor, error) {
	loader := &offlineLoader{documents: make(map[string]any)}
	for url, file := range contextFiles {
		raw, err := contextFS.ReadFile(file)
		if err != nil {
			return nil, errors.Wrap(err, "reading embedded context")
		}

		var document any
		if err := json.Unmarshal(raw, &document); err != nil {
			return nil, errors.Wrapf(err, "parsing embedded context %s", url)
		}
		loader.documents[url] = document
	}

	options := ld.NewJsonLdOptions("")
	options.DocumentLoader = loader

	context := make([]any, 0, len(contextURLs))
	for _, url := range contextURLs {
		context = append(context, url)
	}

	return &Compactor{
		proc:    ld.NewJsonLdProcessor(),
		options: options,
		context: context,
	}, nil
}

// Compact normalizes an arbitrary document against the known contexts.
func (c *Compactor) Compact(document map[string]any) (map[string]any, error) {
	compacted, err := c.proc.Compact(document, map[string]any{"@context": c.context}, c.options)
	if err != nil {
		return nil, errors.Wrap(err, "jsonld compaction")
	}
	return compacted, nil
}

// CompactBytes decodes raw JSON and compacts it.
func (c *Compactor) CompactBytes(body []byte) (map[string]any, error) {
	var document map[string]any
	if err := json.Unmarshal(body, &document); err != nil {
		return nil, errors.Wrap(err, "decoding document")
	}
	return c.Compact(document)
}
