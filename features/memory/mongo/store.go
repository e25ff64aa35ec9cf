// Package mongo implements the task memory operations on MongoDB. Memories
// are free-text facts recorded by finished tasks; retrieval extracts
// keywords from the planning goal, runs a text search, and renders the best
// matches as prompt context trimmed to the caller's token budget.
package mongo

import (
	"context"
	"errors"
	"strings"
	"unicode"

	mongoc "github.com/tentackl/tentackl/features/memory/mongo/clients/mongo"
)

const (
	// searchLimit bounds how many entries one retrieval considers.
	searchLimit = 20
	// maxKeywords bounds the extracted query keywords.
	maxKeywords = 8
	// minKeywordLen drops short filler words from the query.
	minKeywordLen = 4
	// charsPerToken is the approximation used to honor token budgets.
	charsPerToken = 4

	header = "Relevant context from previous tasks:"
)

// Store implements memory.Operations by delegating to the Mongo client.
type Store struct {
	client mongoc.Client
}

// NewStore builds a Store using the provided client.
func NewStore(client mongoc.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Remember stores one memory entry.
func (s *Store) Remember(ctx context.Context, e mongoc.Entry) error {
	if strings.TrimSpace(e.Content) == "" {
		return errors.New("memory content is required")
	}
	return s.client.Insert(ctx, e)
}

// FormatForInjection returns memory relevant to the query rendered as
// prompt text, trimmed to roughly maxTokens. Returns an empty string when
// nothing relevant exists.
func (s *Store) FormatForInjection(ctx context.Context, query string, maxTokens int) (string, error) {
	kws := keywords(query)
	if len(kws) == 0 || maxTokens <= 0 {
		return "", nil
	}
	entries, err := s.client.Search(ctx, kws, searchLimit)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", nil
	}

	budget := maxTokens * charsPerToken
	var b strings.Builder
	b.WriteString(header)
	for _, e := range entries {
		line := "\n- " + strings.TrimSpace(e.Content)
		if b.Len()+len(line) > budget {
			break
		}
		b.WriteString(line)
	}
	if b.Len() == len(header) {
		return "", nil
	}
	return b.String(), nil
}

// keywords lowercases the query and keeps the first distinct words long
// enough to be discriminating.
func keywords(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	seen := make(map[string]bool, len(fields))
	var out []string
	for _, f := range fields {
		if len(f) < minKeywordLen || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
		if len(out) == maxKeywords {
			break
		}
	}
	return out
}
