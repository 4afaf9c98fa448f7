package cachestore

import (
	"bytes"
	"encoding/gob"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Record is one cached response. The freshness timestamp lives in the
// record itself so a payload can never exist without its metadata.
type Record struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix milliseconds
}

// NewRecord captures resp with an already-read body.
func NewRecord(resp *http.Response, body []byte, now time.Time) Record {
	h := cloneHeader(resp.Header)
	h.Del("Content-Length")
	return Record{
		Status:   resp.StatusCode,
		Header:   h,
		Body:     body,
		StoredAt: now.UnixMilli(),
	}
}

func (r Record) ContentType() string {
	if r.Header == nil {
		return ""
	}
	return r.Header.Get("Content-Type")
}

// IsJSON reports whether the record's media type is JSON.
func (r Record) IsJSON() bool {
	mt, _, err := mime.ParseMediaType(r.ContentType())
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

// Age is the time elapsed since the record was stored. Records without a
// timestamp report ok=false.
func (r Record) Age(now time.Time) (time.Duration, bool) {
	if r.StoredAt <= 0 {
		return 0, false
	}
	return now.Sub(time.UnixMilli(r.StoredAt)), true
}

// Response builds a fresh *http.Response for req from the record.
func (r Record) Response(req *http.Request) *http.Response {
	h := cloneHeader(r.Header)
	h.Set("Content-Length", strconv.Itoa(len(r.Body)))
	return &http.Response{
		Status:        strconv.Itoa(r.Status) + " " + http.StatusText(r.Status),
		StatusCode:    r.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(r.Body)),
		ContentLength: int64(len(r.Body)),
		Request:       req,
	}
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return make(http.Header)
	}
	return h.Clone()
}

func encodeRecord(r Record) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeRecord(b []byte) (Record, error) {
	var r Record
	err := gob.NewDecoder(bytes.NewReader(b)).Decode(&r)
	return r, err
}

func init() {
	gob.Register(http.Header{})
}
