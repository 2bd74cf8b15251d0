package osmapi

import (
	"sync/atomic"
	"time"

	"github.com/imroc/req/v3"
)

// TrafficStats is a snapshot of the client's HTTP traffic.
type TrafficStats struct {
	Requests  int64
	Errors    int64
	BytesSent int64
	BytesRecv int64
	LastError string
	LastSeen  time.Time
}

type httpStats struct {
	requests  atomic.Int64
	errors    atomic.Int64
	bytesSent atomic.Int64
	bytesRecv atomic.Int64
	lastNs    atomic.Int64

	lastErrorValue atomic.Value // string
}

func newHTTPStats() *httpStats {
	s := &httpStats{}
	s.lastErrorValue.Store("")
	return s
}

func (s *httpStats) onResponse(resp *req.Response) {
	s.requests.Add(1)
	s.lastNs.Store(time.Now().UnixNano())
	if resp.Err != nil {
		s.errors.Add(1)
		s.lastErrorValue.Store(resp.Err.Error())
		return
	}
	if resp.Response == nil {
		return
	}
	if r := resp.Request; r != nil && r.RawRequest != nil && r.RawRequest.ContentLength > 0 {
		s.bytesSent.Add(r.RawRequest.ContentLength)
	}
	if n := len(resp.Bytes()); n > 0 {
		s.bytesRecv.Add(int64(n))
	}
	if resp.StatusCode >= 400 {
		s.errors.Add(1)
		s.lastErrorValue.Store(resp.Status)
	}
}

func (s *httpStats) snapshot() TrafficStats {
	st := TrafficStats{
		Requests:  s.requests.Load(),
		Errors:    s.errors.Load(),
		BytesSent: s.bytesSent.Load(),
		BytesRecv: s.bytesRecv.Load(),
		LastError: s.lastErrorValue.Load().(string),
	}
	if ns := s.lastNs.Load(); ns > 0 {
		st.LastSeen = time.Unix(0, ns)
	}
	return st
}
