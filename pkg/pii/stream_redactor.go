package pii

import (
	"context"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

const (
	defaultChunkSize   = 32 * 1024
	defaultOverlap     = 256
	defaultMaxFindings = 10000
)

// StreamOptions tunes a StreamRedactor. Zero values select defaults.
type StreamOptions struct {
	ChunkSize int
	// Overlap is the number of trailing bytes held back between chunks so that a detection
	// shorter than Overlap is never split across two writes.
	Overlap      int
	MaxReadBytes int64
	MaxFindings  int
}

// Finding locates a masked span in the stream. It deliberately carries no value.
type Finding struct {
	Category   Category `json:"category"`
	Start      int64    `json:"start"`
	End        int64    `json:"end"`
	Confidence float64  `json:"confidence"`
}

// Report summarises one RedactStream call.
type Report struct {
	Findings          []Finding `json:"findings"`
	BytesRead         int64     `json:"bytes_read"`
	RedactionsApplied bool      `json:"redactions_applied"`
}

// StreamRedactor masks an io.Reader into an io.Writer chunk by chunk. It is reusable across
// sequential streams but not safe for concurrent use.
type StreamRedactor struct {
	detector    *Detector
	masker      *Masker
	chunkSize   int
	overlap     int
	maxRead     int64
	maxFindings int

	bufferRaw         []byte
	totalRead         int64
	findings          []Finding
	redactionsApplied bool
}

// NewStreamRedactor builds a stream redactor around a compiled detector.
func NewStreamRedactor(det *Detector, opts StreamOptions) (*StreamRedactor, error) {
	if det == nil {
		return nil, newError(ErrInvalidConfiguration, "nil detector")
	}
	if opts.ChunkSize < 0 || opts.Overlap < 0 || opts.MaxReadBytes < 0 || opts.MaxFindings < 0 {
		return nil, newError(ErrInvalidConfiguration, "stream options must be non-negative")
	}
	r := &StreamRedactor{
		detector:    det,
		masker:      NewMasker(det.Config()),
		chunkSize:   opts.ChunkSize,
		overlap:     opts.Overlap,
		maxRead:     opts.MaxReadBytes,
		maxFindings: opts.MaxFindings,
	}
	if r.chunkSize == 0 {
		r.chunkSize = defaultChunkSize
	}
	if r.overlap == 0 {
		r.overlap = defaultOverlap
	}
	if r.maxFindings == 0 {
		r.maxFindings = defaultMaxFindings
	}
	return r, nil
}

// ChunkSize returns the read size used for stream processing.
func (r *StreamRedactor) ChunkSize() int {
	if r == nil {
		return defaultChunkSize
	}
	return r.chunkSize
}

// RedactStream reads src to EOF, masks detections and writes the result to dst. On a limit
// error the report covers what was emitted before the limit tripped.
func (r *StreamRedactor) RedactStream(ctx context.Context, src io.Reader, dst io.Writer) (Report, error) {
	r.reset()
	buf := make([]byte, r.ChunkSize())

	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if err := r.processChunk(ctx, buf[:n], dst); err != nil {
				if errors.Is(err, ErrMaxReadExceeded) || errors.Is(err, ErrMaxFindingsExceeded) {
					return r.Report(), err
				}
				return Report{}, fmt.Errorf("pii: process chunk: %w", err)
			}
		}

		if readErr != nil {
			if readErr == io.EOF {
				if err := r.flush(dst); err != nil {
					if errors.Is(err, ErrMaxFindingsExceeded) {
						return r.Report(), err
					}
					return Report{}, fmt.Errorf("pii: flush tail: %w", err)
				}
				return r.Report(), nil
			}
			return Report{}, fmt.Errorf("pii: read: %w", readErr)
		}
	}
}

func (r *StreamRedactor) reset() {
	r.bufferRaw = r.bufferRaw[:0]
	r.totalRead = 0
	r.findings = nil
	r.redactionsApplied = false
}

func (r *StreamRedactor) processChunk(ctx context.Context, chunk []byte, dst io.Writer) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	if r.maxRead > 0 && r.totalRead+int64(len(chunk)) > r.maxRead {
		return ErrMaxReadExceeded
	}

	r.bufferRaw = append(r.bufferRaw, chunk...)
	r.totalRead += int64(len(chunk))

	emitLen := len(r.bufferRaw) - r.overlap
	if emitLen <= 0 {
		return nil
	}
	return r.emitBuffer(emitLen, dst, false)
}

func (r *StreamRedactor) flush(dst io.Writer) error {
	if len(r.bufferRaw) == 0 {
		return nil
	}
	return r.emitBuffer(len(r.bufferRaw), dst, true)
}

func (r *StreamRedactor) emitBuffer(emitLen int, dst io.Writer, final bool) error {
	text := string(r.bufferRaw)
	baseOffset := r.totalRead - int64(len(r.bufferRaw))
	detections := r.detector.Detect(text)

	safeEmit := emitLen
	if !final {
		for safeEmit > 0 && safeEmit < len(text) && !utf8.RuneStart(text[safeEmit]) {
			safeEmit--
		}
		safeEmit = r.holdBack(text, detections, safeEmit)
	}
	if safeEmit == 0 {
		return nil
	}

	inside := detections[:0:0]
	for _, det := range detections {
		if det.End > safeEmit {
			break
		}
		if len(r.findings) >= r.maxFindings {
			return ErrMaxFindingsExceeded
		}
		inside = append(inside, det)
		r.findings = append(r.findings, Finding{
			Category:   det.Category,
			Start:      baseOffset + int64(det.Start),
			End:        baseOffset + int64(det.End),
			Confidence: det.Confidence,
		})
	}

	out := text[:safeEmit]
	if len(inside) > 0 {
		masked, err := r.masker.Mask(out, inside)
		if err != nil {
			return err
		}
		out = masked
		r.redactionsApplied = true
	}
	if _, err := io.WriteString(dst, out); err != nil {
		return err
	}

	copy(r.bufferRaw, r.bufferRaw[safeEmit:])
	r.bufferRaw = r.bufferRaw[:len(r.bufferRaw)-safeEmit]
	return nil
}

// holdBack moves the boundary left until no detection is split by it. A Remove detection
// also keeps the rune on each side in the same write, since masking it inspects both.
func (r *StreamRedactor) holdBack(text string, detections []Detection, boundary int) int {
	for moved := true; moved && boundary > 0; {
		moved = false
		for _, det := range detections {
			start, end := det.Start, det.End
			if strategy, _ := r.detector.Config().EffectiveStrategy(det.Category); strategy.Kind == Remove {
				_, before := utf8.DecodeLastRuneInString(text[:start])
				_, after := utf8.DecodeRuneInString(text[end:])
				start -= before
				end += after
			}
			if start < boundary && end > boundary {
				boundary = start
				moved = true
			}
		}
	}
	return boundary
}

// Report returns the findings recorded so far ordered by offset.
func (r *StreamRedactor) Report() Report {
	return Report{
		Findings:          append([]Finding(nil), r.findings...),
		BytesRead:         r.totalRead,
		RedactionsApplied: r.redactionsApplied,
	}
}
