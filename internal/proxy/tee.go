package proxy

import (
	"bytes"
	"io"
)

// teeBody 在调用方读取响应体的同时保留一份副本，读到 EOF 时回调 onComplete。
// 超出 limit 或未读完就关闭的 body 不会触发回调。
type teeBody struct {
	rc         io.ReadCloser
	buf        bytes.Buffer
	limit      int64
	overflow   bool
	done       bool
	onComplete func(body []byte)
}

func newTeeBody(rc io.ReadCloser, limit int64, onComplete func(body []byte)) *teeBody {
	return &teeBody{rc: rc, limit: limit, onComplete: onComplete}
}

func (t *teeBody) Read(p []byte) (int, error) {
	n, err := t.rc.Read(p)
	if n > 0 && !t.overflow {
		if t.limit > 0 && int64(t.buf.Len()+n) > t.limit {
			t.overflow = true
			t.buf = bytes.Buffer{}
		} else {
			t.buf.Write(p[:n])
		}
	}
	if err == io.EOF && !t.done {
		t.done = true
		if !t.overflow && t.onComplete != nil {
			t.onComplete(t.buf.Bytes())
		}
	}
	return n, err
}

func (t *teeBody) Close() error {
	return t.rc.Close()
}
