package network

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const listingBody = `{"vendorID":"client-A1","vendorName":"Al","description":"Water","productsInReturn":"Food"}`

func listingRequest() string {
	return "POST /listing HTTP/1.1\r\n" +
		"Host: 192.168.43.1:3000\r\n" +
		"Content-Type: application/json\r\n" +
		fmt.Sprintf("Content-Length: %d\r\n", len(listingBody)) +
		"\r\n" +
		listingBody
}

func feedInChunks(t *testing.T, raw string, size int) *Request {
	t.Helper()

	rp := NewRequestParser()
	data := []byte(raw)
	for i := 0; i < len(data); i += size {
		end := i + size
		if end > len(data) {
			end = len(data)
		}
		done, err := rp.Feed(data[i:end])
		require.NoError(t, err)
		if done {
			return rp.Request()
		}
	}
	require.NoError(t, rp.Finish())
	return rp.Request()
}

func TestRequestFramingIndependentOfChunking(t *testing.T) {
	raw := listingRequest()

	whole := feedInChunks(t, raw, len(raw))
	require.NotNil(t, whole)

	for _, size := range []int{1, 2, 3, 7, 64} {
		got := feedInChunks(t, raw, size)
		require.NotNil(t, got, "chunk size %d", size)
		require.Equal(t, whole, got, "chunk size %d", size)
	}

	require.Equal(t, "POST", whole.Method)
	require.Equal(t, "/listing", whole.Path)
	require.Equal(t, "192.168.43.1:3000", whole.Header.Get("host"))
	require.Equal(t, listingBody, string(whole.Body))
}

func TestRequestWithoutContentLengthCompletesAtBlankLine(t *testing.T) {
	rp := NewRequestParser()

	done, err := rp.Feed([]byte("GET /hello HTTP/1.1\r\nHost: x\r\n"))
	require.NoError(t, err)
	require.False(t, done)

	done, err = rp.Feed([]byte("\r\nstray"))
	require.NoError(t, err)
	require.True(t, done)
	require.Empty(t, rp.Request().Body)
}

func TestRequestAcceptsBareLineFeedsAndNoVersion(t *testing.T) {
	req := feedInChunks(t, "DELETE /listing/client-A1?by=owner\nX-Trace: 1\n\n", 1)
	require.NotNil(t, req)
	require.Equal(t, "DELETE", req.Method)
	require.Equal(t, "/listing/client-A1", req.Path)
	require.Equal(t, "owner", req.Query.Get("by"))
}

func TestRequestWaitsForFullBody(t *testing.T) {
	rp := NewRequestParser()

	done, err := rp.Feed([]byte("POST /keepalive\r\nContent-Length: 10\r\n\r\n{\"dev"))
	require.NoError(t, err)
	require.False(t, done)

	require.ErrorIs(t, rp.Finish(), ErrTruncated)
}

func TestRequestRejectsMalformedStartLine(t *testing.T) {
	for _, raw := range []string{
		"GET\r\n\r\n",
		"get /hello\r\n\r\n",
		"GET hello\r\n\r\n",
		"GET /hello SPDY/3\r\n\r\n",
		"GET /hello HTTP/1.1 extra\r\n\r\n",
	} {
		rp := NewRequestParser()
		_, err := rp.Feed([]byte(raw))
		require.ErrorIs(t, err, ErrBadRequest, "input %q", raw)
	}
}

func TestRequestRejectsBadHeaders(t *testing.T) {
	_, err := NewRequestParser().Feed([]byte("GET /hello\r\nno colon here\r\n\r\n"))
	require.ErrorIs(t, err, ErrBadRequest)

	_, err = NewRequestParser().Feed([]byte("POST /listing\r\nContent-Length: -4\r\n\r\n"))
	require.ErrorIs(t, err, ErrBadRequest)

	_, err = NewRequestParser().Feed([]byte("POST /listing\r\nContent-Length: 99999999999\r\n\r\n"))
	require.ErrorIs(t, err, ErrFrameTooLarge)

	_, err = NewRequestParser().Feed(bytes.Repeat([]byte("a"), MaxHeaderSize+1))
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReadRequestReportsTruncation(t *testing.T) {
	_, err := ReadRequest(strings.NewReader("GET /hel"))
	require.ErrorIs(t, err, ErrTruncated)
}

func TestWriteRequestThenReadRequest(t *testing.T) {
	var buf bytes.Buffer
	req := &Request{
		Method: "DELETE",
		Path:   "/listing/client A1",
		Query:  map[string][]string{"by": {"owner"}},
	}
	require.NoError(t, WriteRequest(&buf, "127.0.0.1:3000", req))
	require.Contains(t, buf.String(), "Connection: close\r\n")

	got, err := ReadRequest(&buf)
	require.NoError(t, err)
	require.Equal(t, "/listing/client A1", got.Path)
	require.Equal(t, "owner", got.Query.Get("by"))
}

func TestWriteResponseAdvertisesLengthAndClose(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteResponse(&buf, TextResponse(200, HelloBody)))

	raw := buf.String()
	require.True(t, strings.HasPrefix(raw, "HTTP/1.1 200 OK\r\n"))
	require.Contains(t, raw, "Content-Length: 5\r\n")
	require.Contains(t, raw, "Connection: close\r\n\r\nhello")

	resp, err := ReadResponse(&buf)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, ContentTypeText, resp.ContentType)
	require.Equal(t, HelloBody, string(resp.Body))
}

func TestResponseWithoutLengthReadsToEOF(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\n\r\nhello"
	resp, err := ReadResponse(io.MultiReader(strings.NewReader(raw[:20]), strings.NewReader(raw[20:])))
	require.NoError(t, err)
	require.Equal(t, "hello", string(resp.Body))
}

func TestResponseRejectsBadStatusLine(t *testing.T) {
	_, err := ReadResponse(strings.NewReader("HTTP/1.1 abc OK\r\nContent-Length: 0\r\n\r\n"))
	require.ErrorIs(t, err, ErrBadRequest)
}
