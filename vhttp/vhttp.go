// Package vhttp formats and parses the minimal HTTP/1.1 messages exchanged
// over a rawtcp primary session. Only GET requests are understood and every
// response carries an HTML body.
package vhttp

import (
	"bytes"
	"strconv"

	"github.com/pkg/errors"
	"github.com/soypat/lneto/http/httpraw"
)

const (
	proto       = "HTTP/1.1"
	contentType = "text/html"
)

var ErrUnsupportedMethod = errors.New("vhttp: unsupported method")

// Request is a parsed HTTP request header.
type Request struct {
	Method string
	Path   string
	Proto  string
}

// ParseRequest parses the request header at the start of b.
// Requests other than GET return [ErrUnsupportedMethod].
func ParseRequest(b []byte) (Request, error) {
	if !bytes.HasPrefix(b, []byte("GET ")) {
		return Request{}, ErrUnsupportedMethod
	}
	var hdr httpraw.Header
	err := hdr.ParseBytes(false, b)
	if err != nil {
		return Request{}, errors.Wrap(err, "vhttp: parsing request")
	}
	return Request{
		Method: string(hdr.Method()),
		Path:   string(hdr.RequestURI()),
		Proto:  string(bytes.TrimSpace(hdr.Protocol())),
	}, nil
}

// AppendResponse appends an HTTP/1.1 response with status code and the HTML
// body to dst.
func AppendResponse(dst []byte, code int, body []byte) ([]byte, error) {
	var hdr httpraw.Header
	hdr.Reset(make([]byte, 0, 128))
	hdr.SetProtocol(proto)
	hdr.SetStatus(strconv.Itoa(code), "OK")
	hdr.Set("Content-Length", strconv.Itoa(len(body)))
	hdr.Set("Content-Type", contentType)
	dst, err := hdr.AppendResponse(dst)
	if err != nil {
		return dst, errors.Wrap(err, "vhttp: building response")
	}
	return append(dst, body...), nil
}

// AppendRequest appends a GET request for path to dst.
func AppendRequest(dst []byte, path string) ([]byte, error) {
	var hdr httpraw.Header
	hdr.Reset(make([]byte, 0, 128))
	hdr.SetProtocol(proto)
	hdr.SetMethod("GET")
	hdr.SetRequestURI(path)
	dst, err := hdr.AppendRequest(dst)
	if err != nil {
		return dst, errors.Wrap(err, "vhttp: building request")
	}
	return dst, nil
}
