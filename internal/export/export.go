// Package export delivers successfully anonymized instances to an optional
// remote archive endpoint after they are written to the public images
// directory. The HTTP client setup mirrors the teacher's proxy transport:
// a dedicated http.Transport honoring HTTP_PROXY/HTTPS_PROXY/NO_PROXY via
// http.ProxyFromEnvironment, with generous idle-connection reuse for a
// steady stream of small uploads.
package export

import (
	"bytes"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"
)

// Sink delivers one anonymized instance to wherever a deployment archives
// de-identified output — a remote HTTP endpoint, an object-store bucket, or
// nowhere at all. Send must not block the Ingest Pipeline worker that calls
// it for longer than its own internal timeout.
type Sink interface {
	Send(anonPatientID, studyUID, seriesUID, sopInstanceUID, path string) error
}

// NullSink is the default sink: it does nothing. Configured when
// ExportArchiveURL is empty.
type NullSink struct{}

func (NullSink) Send(string, string, string, string, string) error { return nil }

// HTTPArchiveSink PUTs each anonymized instance's bytes to a remote
// archive endpoint, path-qualified by the instance's anonymized
// identifiers so the receiving side can reconstruct the same
// patient/study/series/instance layout without ever seeing PHI.
type HTTPArchiveSink struct {
	url       string
	transport *http.Transport
	client    *http.Client
}

// NewHTTPArchiveSink returns a Sink that PUTs to url.
func NewHTTPArchiveSink(url string) *HTTPArchiveSink {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          50,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &HTTPArchiveSink{
		url:       url,
		transport: transport,
		client:    &http.Client{Transport: transport, Timeout: 60 * time.Second},
	}
}

func (s *HTTPArchiveSink) Send(anonPatientID, studyUID, seriesUID, sopInstanceUID, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("export read %s: %w", path, err)
	}

	target := fmt.Sprintf("%s/%s/%s/%s/%s.dcm", s.url, anonPatientID, studyUID, seriesUID, sopInstanceUID)
	req, err := http.NewRequest(http.MethodPut, target, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("export request %s: %w", target, err)
	}
	req.Header.Set("Content-Type", "application/dicom")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("export send %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("export %s: unexpected status %s", target, resp.Status)
	}
	return nil
}

// New returns NullSink when archiveURL is empty, otherwise an
// HTTPArchiveSink targeting it.
func New(archiveURL string) Sink {
	if archiveURL == "" {
		return NullSink{}
	}
	return NewHTTPArchiveSink(archiveURL)
}
