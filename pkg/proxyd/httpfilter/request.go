package httpfilter

import (
	"bufio"
	"fmt"
	"strings"
)

// preservedHeaders is the whitelist, in emission order. Nothing else from
// the client request survives reconstruction.
var preservedHeaders = []string{
	"Forwarded",
	"X-Forwarded-for",
	"X-aws-ec2-metadata-token",
	"X-aws-ec2-metadata-token-ttl-seconds",
}

// Request is a parsed and normalized HTTP request.
type Request struct {
	Method  string
	Path    string // canonical, see URIToPath
	Headers map[string]string
	HasBody bool
}

// ReadRequest reads and parses one HTTP request head from r. The HTTP
// version is not validated beyond its "HTTP/" prefix, and trailing junk on
// the Request-Line is ignored; everything that matters for filtering is
// re-derived.
func ReadRequest(r *bufio.Reader) (*Request, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncated, err)
	}

	method, rest, ok := strings.Cut(line, " ")
	if !ok {
		return nil, ErrBadRequestLine
	}
	uri, version, ok := strings.Cut(rest, " ")
	if !ok || !strings.HasPrefix(version, "HTTP/") {
		return nil, ErrBadRequestLine
	}

	var hasBody bool
	switch method {
	case "PUT", "POST":
		hasBody = true
	case "GET", "HEAD":
		hasBody = false
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMethod, method)
	}

	path, err := URIToPath(uri)
	if err != nil {
		return nil, err
	}

	req := &Request{Method: method, Path: path, Headers: map[string]string{}, HasBody: hasBody}
	for {
		line, err := readLine(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTruncated, err)
		}
		if line == "" {
			break
		}
		// A CR that survived end-of-line stripping is someone trying
		// to smuggle a line break past the reconstruction.
		if strings.ContainsRune(line, '\r') {
			return nil, fmt.Errorf("%w: header contains CR", ErrBadHeader)
		}
		name, val, ok := strings.Cut(line, ":")
		if !ok {
			return nil, ErrBadHeader
		}
		name = strings.TrimRight(name, " \t")
		val = strings.TrimLeft(val, " \t")
		for _, h := range preservedHeaders {
			if strings.EqualFold(name, h) {
				// Later occurrences overwrite earlier ones.
				req.Headers[h] = val
			}
		}
	}
	return req, nil
}

// readLine reads one line and strips all trailing CR/LF characters.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// Render emits the reconstructed HTTP/1.0 request. The path is
// percent-encoded, the whitelisted headers appear in fixed order with no
// space after the colon, and PUT/POST get an explicit zero Content-Length
// since any client body is discarded.
func (req *Request) Render() string {
	var b strings.Builder
	b.WriteString(req.Method)
	b.WriteByte(' ')
	b.WriteString(urlEncode(req.Path))
	b.WriteString(" HTTP/1.0\r\n")
	for _, h := range preservedHeaders {
		if val, ok := req.Headers[h]; ok {
			b.WriteString(h)
			b.WriteByte(':')
			b.WriteString(val)
			b.WriteString("\r\n")
		}
	}
	b.WriteString("Connection: Close\r\n")
	if req.HasBody {
		b.WriteString("Content-Length:0\r\n")
	}
	b.WriteString("\r\n")
	return b.String()
}

// urlEncode percent-encodes everything outside the unreserved set
// [A-Za-z0-9$\-_.+/].
func urlEncode(path string) string {
	var b strings.Builder
	for i := 0; i < len(path); i++ {
		c := path[i]
		if ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9') ||
			c == '$' || c == '-' || c == '_' || c == '.' || c == '+' || c == '/' {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}
