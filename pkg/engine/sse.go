package engine

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/polisai/polis-pii/pkg/pii"
	"go.opentelemetry.io/otel/attribute"
)

// OpRedactSSE names server-sent event redaction in spans and metrics.
const OpRedactSSE = "redact_sse"

const maxSSELineBytes = 10 << 20

// RedactSSE masks the data fields of a server-sent event stream. Only "data:" lines are
// inspected; id, event, retry and comment lines pass through unchanged so the framing
// survives. Finding offsets are absolute byte offsets into src.
func (e *Engine) RedactSSE(ctx context.Context, src io.Reader, dst io.Writer) (pii.Report, error) {
	ctx, op := e.begin(ctx, OpRedactSSE)
	report, err := redactSSEStream(ctx, op.policy, e.stream.MaxReadBytes, src, dst)

	counts := make(map[string]int)
	for _, f := range report.Findings {
		counts[string(f.Category)]++
	}
	op.span.SetAttributes(attribute.Int64("pii.stream.bytes_read", report.BytesRead))
	op.end(ctx, counts, err)
	return report, err
}

func redactSSEStream(ctx context.Context, p *policy, maxRead int64, src io.Reader, dst io.Writer) (pii.Report, error) {
	reader := bufio.NewReaderSize(src, 64*1024)
	var report pii.Report

	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		line, readErr := readLine(reader)
		if len(line) > 0 {
			offset := report.BytesRead
			report.BytesRead += int64(len(line))
			if maxRead > 0 && report.BytesRead > maxRead {
				return report, &pii.Error{Kind: pii.ErrMaxReadExceeded, Message: "event stream exceeds read limit"}
			}

			out, err := redactSSELine(p, line, offset, &report)
			if err != nil {
				return report, err
			}
			if _, err := io.WriteString(dst, out); err != nil {
				return report, err
			}
		}

		if readErr != nil {
			if readErr == io.EOF {
				return report, nil
			}
			return report, readErr
		}
	}
}

// readLine returns one line including its terminator. Lines longer than
// maxSSELineBytes are rejected.
func readLine(r *bufio.Reader) (string, error) {
	var b strings.Builder
	for {
		chunk, err := r.ReadSlice('\n')
		b.Write(chunk)
		if b.Len() > maxSSELineBytes {
			return "", &pii.Error{Kind: pii.ErrMaxReadExceeded, Message: "event line too long"}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return b.String(), err
	}
}

func redactSSELine(p *policy, line string, offset int64, report *pii.Report) (string, error) {
	if !strings.HasPrefix(line, "data:") {
		return line, nil
	}

	body, eol := splitEOL(line)
	prefix := "data:"
	content := strings.TrimPrefix(body, prefix)
	// A single leading space belongs to the field separator.
	if strings.HasPrefix(content, " ") {
		prefix += " "
		content = content[1:]
	}

	dets := p.detector.Detect(content)
	if len(dets) == 0 {
		return line, nil
	}
	masked, err := p.masker.Mask(content, dets)
	if err != nil {
		return "", err
	}

	base := offset + int64(len(prefix))
	for _, d := range dets {
		report.Findings = append(report.Findings, pii.Finding{
			Category:   d.Category,
			Start:      base + int64(d.Start),
			End:        base + int64(d.End),
			Confidence: d.Confidence,
		})
	}
	report.RedactionsApplied = true
	return prefix + masked + eol, nil
}

func splitEOL(line string) (string, string) {
	switch {
	case strings.HasSuffix(line, "\r\n"):
		return line[:len(line)-2], "\r\n"
	case strings.HasSuffix(line, "\n"), strings.HasSuffix(line, "\r"):
		return line[:len(line)-1], line[len(line)-1:]
	default:
		return line, ""
	}
}

// flushCountingWriter flushes after every write so redacted events reach the client
// as soon as they are produced, and counts bytes written.
type flushCountingWriter struct {
	http.ResponseWriter
	flusher http.Flusher
	count   int64
}

func newFlushCountingWriter(w http.ResponseWriter) *flushCountingWriter {
	fw := &flushCountingWriter{ResponseWriter: w}
	if flusher, ok := w.(http.Flusher); ok {
		fw.flusher = flusher
	}
	return fw
}

// Write writes data to the underlying ResponseWriter and auto-flushes if supported.
func (w *flushCountingWriter) Write(p []byte) (int, error) {
	n, err := w.ResponseWriter.Write(p)
	if err == nil {
		w.count += int64(n)
		if w.flusher != nil {
			w.flusher.Flush()
		}
	}
	return n, err
}
