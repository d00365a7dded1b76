package httpfilter

import (
	"bufio"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, raw string) (*Request, error) {
	t.Helper()
	return ReadRequest(bufio.NewReader(strings.NewReader(raw)))
}

func TestReadRequestReconstruction(t *testing.T) {
	req, err := parse(t, "PUT /x HTTP/1.1\r\n"+
		"X-aws-ec2-metadata-token: T\r\n"+
		"Forwarded: for=1\r\n"+
		"Evil: smuggle\r\n"+
		"\r\n")
	require.NoError(t, err)
	assert.Equal(t, "PUT", req.Method)
	assert.Equal(t, "/x", req.Path)
	assert.True(t, req.HasBody)
	assert.Equal(t,
		"PUT /x HTTP/1.0\r\n"+
			"Forwarded:for=1\r\n"+
			"X-aws-ec2-metadata-token:T\r\n"+
			"Connection: Close\r\n"+
			"Content-Length:0\r\n"+
			"\r\n",
		req.Render())
}

func TestReadRequestDropsUnlistedHeaders(t *testing.T) {
	req, err := parse(t, "GET /latest HTTP/1.1\r\n"+
		"Host: 169.254.169.254\r\n"+
		"Authorization: Bearer xyz\r\n"+
		"Transfer-Encoding: chunked\r\n"+
		"\r\n")
	require.NoError(t, err)
	assert.Empty(t, req.Headers)
	assert.Equal(t, "GET /latest HTTP/1.0\r\nConnection: Close\r\n\r\n", req.Render())
}

func TestReadRequestHeaderHandling(t *testing.T) {
	req, err := parse(t, "GET / HTTP/1.1\r\n"+
		"x-AWS-ec2-METADATA-token:   first\r\n"+
		"X-aws-ec2-metadata-token:second\r\n"+
		"X-aws-ec2-metadata-token-ttl-seconds\t : 21600\r\n"+
		"\r\n")
	require.NoError(t, err)
	// Case-insensitive match, later occurrence wins, whitespace around
	// the colon trimmed.
	assert.Equal(t, "second", req.Headers["X-aws-ec2-metadata-token"])
	assert.Equal(t, "21600", req.Headers["X-aws-ec2-metadata-token-ttl-seconds"])
}

func TestReadRequestRejectsSmuggledCR(t *testing.T) {
	_, err := parse(t, "GET / HTTP/1.1\r\nForwarded: a\rX-Evil: b\r\n\r\n")
	assert.ErrorIs(t, err, ErrBadHeader)
}

func TestReadRequestRejectsUnsupportedMethod(t *testing.T) {
	for _, m := range []string{"DELETE", "OPTIONS", "TRACE", "get", "PATCH"} {
		_, err := parse(t, m+" / HTTP/1.1\r\n\r\n")
		assert.ErrorIs(t, err, ErrUnsupportedMethod, "method %q", m)
	}
}

func TestReadRequestRejectsBadRequestLine(t *testing.T) {
	for _, line := range []string{
		"GET/HTTP/1.1",
		"GET /x",
		"GET /x FTP/1.0",
	} {
		_, err := parse(t, line+"\r\n\r\n")
		assert.ErrorIs(t, err, ErrBadRequestLine, "line %q", line)
	}
}

func TestReadRequestRejectsHeaderWithoutColon(t *testing.T) {
	_, err := parse(t, "GET / HTTP/1.1\r\nNoColonHere\r\n\r\n")
	assert.ErrorIs(t, err, ErrBadHeader)
}

func TestReadRequestTruncated(t *testing.T) {
	for _, raw := range []string{
		"",
		"GET / HTTP/1.1\r\n",
		"GET / HTTP/1.1\r\nForwarded: a\r\n",
	} {
		_, err := parse(t, raw)
		assert.ErrorIs(t, err, ErrTruncated, "raw %q", raw)
	}
}

func TestReadRequestBadPercentEncodingInURI(t *testing.T) {
	_, err := parse(t, "GET /%zz HTTP/1.1\r\n\r\n")
	assert.ErrorIs(t, err, ErrBadPercentEncoding)
}

func TestRenderRoundTrips(t *testing.T) {
	reqs := []string{
		"GET /latest/meta-data HTTP/1.1\r\nForwarded: for=x\r\n\r\n",
		"PUT /latest/api/token HTTP/1.1\r\nX-aws-ec2-metadata-token-ttl-seconds: 21600\r\n\r\n",
		"HEAD /a%20b HTTP/1.0\r\n\r\n",
		"POST /x/./y/../z HTTP/1.1\r\n\r\n",
	}
	for _, raw := range reqs {
		first, err := parse(t, raw)
		require.NoError(t, err, "raw %q", raw)
		second, err := parse(t, first.Render())
		require.NoError(t, err, "rendered %q", first.Render())
		assert.Equal(t, first, second, "raw %q", raw)
		// Rendering a reparsed request is stable.
		assert.Equal(t, first.Render(), second.Render())
	}
}

func TestRenderEncodesPath(t *testing.T) {
	req := &Request{Method: "GET", Path: "/a b/c%d", Headers: map[string]string{}}
	assert.Equal(t, "GET /a%20b/c%25d HTTP/1.0\r\nConnection: Close\r\n\r\n", req.Render())
}
