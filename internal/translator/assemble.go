package translator

import (
	"errors"
	"strings"
)

// DocumentSeparator separates the documents of a descriptor file.
const DocumentSeparator = "\n---\n"

// ErrNoDocuments is returned by Assemble if there are no documents.
var ErrNoDocuments = errors.New("no documents to assemble")

// Assemble joins YAML documents into one multi-document text, in the given order.
// A single document is returned unchanged.
func Assemble(docs []string) (string, error) {
	if len(docs) == 0 {
		return "", ErrNoDocuments
	}
	return strings.Join(docs, DocumentSeparator), nil
}
