package cache

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Snapshot 是某次上游响应的不可变快照。写入后不再修改，新抓取只会整体覆盖。
type Snapshot struct {
	Status   int
	Header   http.Header
	Body     []byte
	URL      string
	StoredAt time.Time
}

// NewSnapshot 复制 header/body 构造快照，调用方可继续复用原始切片。
// Set-Cookie 属于单个客户端，不进入共享快照。
func NewSnapshot(status int, header http.Header, body []byte, rawURL string) *Snapshot {
	cloned := header.Clone()
	if cloned != nil {
		cloned.Del("Set-Cookie")
		cloned.Del("Set-Cookie2")
	}
	return &Snapshot{
		Status:   status,
		Header:   cloned,
		Body:     append([]byte(nil), body...),
		URL:      rawURL,
		StoredAt: time.Now().UTC(),
	}
}

// Clone returns a deep copy so stores never hand out shared buffers.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	cloned := *s
	cloned.Header = s.Header.Clone()
	cloned.Body = append([]byte(nil), s.Body...)
	return &cloned
}

// Response 为每次命中构造独立的 *http.Response，Body 读取互不干扰。
func (s *Snapshot) Response(req *http.Request) *http.Response {
	header := s.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("Content-Length", strconv.Itoa(len(s.Body)))
	status := s.Status
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(s.Body)),
		ContentLength: int64(len(s.Body)),
		Request:       req,
	}
}

func encodeSnapshot(s *Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s); err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeSnapshot(b []byte) (*Snapshot, error) {
	var s Snapshot
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &s, nil
}

func init() {
	gob.Register(http.Header{})
}
