package httpparse

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderScannerFindsEndOnSingleFeed(t *testing.T) {
	s := NewHeaderScanner()
	req := []byte("GET /foo.txt HTTP/1.0\r\n\r\n")

	done, err := s.Feed(req)
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, len(req), s.HeaderEnd())
	require.Equal(t, len("GET /foo.txt HTTP/1.0"), s.FirstLineEnd())
}

func TestHeaderScannerAcrossMultipleFeeds(t *testing.T) {
	s := NewHeaderScanner()
	full := []byte("PUT /up.bin HTTP/1.0\r\nContent-Length: 10\r\n\r\n")

	for end := 1; end <= len(full); end++ {
		done, err := s.Feed(full[:end])
		require.NoError(t, err)
		if end < len(full) {
			require.False(t, done)
		} else {
			require.True(t, done)
		}
	}
	require.Equal(t, len(full), s.HeaderEnd())
}

func TestHeaderScannerResetsOnStrayCR(t *testing.T) {
	s := NewHeaderScanner()
	// A lone \r not followed by \n should fall back to the initial state
	// rather than accidentally being treated as progress.
	done, err := s.Feed([]byte("GET /x HTTP/1.0\r \r\n\r\n"))
	require.NoError(t, err)
	require.True(t, done)
}

func TestHeaderScannerTooBig(t *testing.T) {
	s := NewHeaderScanner()
	big := strings.Repeat("a", MaxHeaderBytes+100)
	_, err := s.Feed([]byte(big))
	require.ErrorIs(t, err, ErrHeaderTooBig)
}

func TestParseRequestLineGet(t *testing.T) {
	m, uri, err := ParseRequestLine([]byte("GET /a/b/c.txt HTTP/1.0"))
	require.NoError(t, err)
	require.Equal(t, MethodGet, m)
	require.Equal(t, "/a/b/c.txt", uri)
}

func TestParseRequestLinePut(t *testing.T) {
	m, uri, err := ParseRequestLine([]byte("PUT /upload.bin HTTP/1.0"))
	require.NoError(t, err)
	require.Equal(t, MethodPut, m)
	require.Equal(t, "/upload.bin", uri)
}

func TestParseRequestLineRejectsUnknownMethod(t *testing.T) {
	_, _, err := ParseRequestLine([]byte("POST /a HTTP/1.0"))
	require.ErrorIs(t, err, ErrMalformedRequestLine)
}

func TestParseRequestLineRejectsMissingURI(t *testing.T) {
	_, _, err := ParseRequestLine([]byte("GET nope HTTP/1.0"))
	require.ErrorIs(t, err, ErrMalformedRequestLine)
}

func TestContentLength(t *testing.T) {
	header := []byte("PUT /f HTTP/1.0\r\nContent-Length: 1234\r\nHost: x\r\n\r\n")
	n, err := ContentLength(header)
	require.NoError(t, err)
	require.Equal(t, int64(1234), n)
}

func TestContentLengthMissing(t *testing.T) {
	header := []byte("PUT /f HTTP/1.0\r\nHost: x\r\n\r\n")
	_, err := ContentLength(header)
	require.ErrorIs(t, err, ErrMissingContentLength)
}
