package acp

import (
	"net/url"
	"os"
	"unicode/utf8"

	"github.com/m4xw311/claude-acp/errors"
)

// maxInlineSize bounds the files inlined into a prompt.
const maxInlineSize = 50 * 1024

// readFileURI returns the text of a file:// URI. Other schemes, binary files
// and files over maxInlineSize are refused, as is any path check rejects.
func readFileURI(uri string, check func(path string) error) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", errors.Wrapf(err, "invalid URI %q", uri)
	}
	if u.Scheme != "file" {
		return "", errors.New("unsupported URI scheme %q", u.Scheme)
	}

	if check != nil {
		if err := check(u.Path); err != nil {
			return "", err
		}
	}

	info, err := os.Stat(u.Path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to stat %s", u.Path)
	}
	if info.IsDir() {
		return "", errors.New("%s is a directory", u.Path)
	}
	if info.Size() > maxInlineSize {
		return "", errors.New("%s is larger than %d bytes", u.Path, maxInlineSize)
	}

	data, err := os.ReadFile(u.Path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read %s", u.Path)
	}
	if !utf8.Valid(data) {
		return "", errors.New("%s is not a text file", u.Path)
	}
	return string(data), nil
}
