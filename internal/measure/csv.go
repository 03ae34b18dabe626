package measure

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/dshills/autoperf/internal/fault"
)

// MarkID identifies an annotated code region.
type MarkID int64

// Sample is one raw profiler row: a counter reading taken while mark was
// the innermost active region on thread.
type Sample struct {
	Mark         MarkID
	Thread       uint32
	Instructions uint64
	Raw          uint64
}

// Normalized is a sample after scaling: Raw/Instructions*scale.
type Normalized struct {
	Mark   MarkID
	Thread uint32
	Value  float64
}

// Meta carries the metadata lines of a counter file.
type Meta struct {
	Input   string
	Elapsed time.Duration
	// Columns is the profiler header. The last column is always rewritten
	// to the counter name.
	Columns []string
}

const (
	inputPrefix = "INPUT: "
	timePrefix  = "TIME: "
)

var defaultColumns = []string{"MARK_ID", "THREAD_ID", "INSTRUCTIONS", "COUNT"}

// encodeCounterFile renders a counter file: two metadata lines, the header,
// then one line per sample.
func encodeCounterFile(counter string, samples []Sample, meta Meta) []byte {
	cols := meta.Columns
	if len(cols) == 0 {
		cols = defaultColumns
	}
	cols = append([]string(nil), cols...)
	cols[len(cols)-1] = counter

	var buf bytes.Buffer
	buf.WriteString(inputPrefix + strings.ReplaceAll(meta.Input, "\n", " ") + "\n")
	buf.WriteString(timePrefix + strconv.FormatFloat(meta.Elapsed.Seconds(), 'f', 6, 64) + "\n")
	buf.WriteString(strings.Join(cols, ",") + "\n")
	for _, s := range samples {
		fmt.Fprintf(&buf, "%d,%d,%d,%d\n", s.Mark, s.Thread, s.Instructions, s.Raw)
	}
	return buf.Bytes()
}

// decodeCounterFile parses a counter file. It stops at the first malformed
// or truncated line and returns ErrReadFailed without partial samples.
func decodeCounterFile(data []byte) ([]Sample, Meta, error) {
	var meta Meta
	if len(data) == 0 {
		return nil, meta, fmt.Errorf("%w: empty counter file", fault.ErrReadFailed)
	}
	if data[len(data)-1] != '\n' {
		return nil, meta, fmt.Errorf("%w: truncated counter file", fault.ErrReadFailed)
	}

	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	if len(lines) < 3 {
		return nil, meta, fmt.Errorf("%w: counter file has %d lines, want at least 3", fault.ErrReadFailed, len(lines))
	}

	input, ok := strings.CutPrefix(lines[0], inputPrefix)
	if !ok {
		return nil, meta, fmt.Errorf("%w: line 1: missing %q prefix", fault.ErrReadFailed, inputPrefix)
	}
	meta.Input = input

	secs, ok := strings.CutPrefix(lines[1], timePrefix)
	if !ok {
		return nil, meta, fmt.Errorf("%w: line 2: missing %q prefix", fault.ErrReadFailed, timePrefix)
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(secs), 64)
	if err != nil {
		return nil, meta, fmt.Errorf("%w: line 2: %w", fault.ErrReadFailed, err)
	}
	meta.Elapsed = time.Duration(f * float64(time.Second))

	meta.Columns = splitHeader(lines[2])
	if len(meta.Columns) < 4 {
		return nil, meta, fmt.Errorf("%w: line 3: header has %d columns, want 4", fault.ErrReadFailed, len(meta.Columns))
	}

	samples := make([]Sample, 0, len(lines)-3)
	for i, line := range lines[3:] {
		s, err := parseSample(line)
		if err != nil {
			return nil, meta, fmt.Errorf("%w: line %d: %w", fault.ErrReadFailed, i+4, err)
		}
		samples = append(samples, s)
	}
	return samples, meta, nil
}

// ParseProfilerOutput parses what the instrumented workload writes: a header
// line followed by data lines. Trailing blank lines are ignored.
func ParseProfilerOutput(r io.Reader) ([]Sample, []string, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, nil, fmt.Errorf("%w: %w", fault.ErrReadFailed, err)
		}
		return nil, nil, fmt.Errorf("%w: profiler output is empty", fault.ErrReadFailed)
	}
	header := splitHeader(sc.Text())
	if len(header) < 4 {
		return nil, nil, fmt.Errorf("%w: profiler header has %d columns, want 4", fault.ErrReadFailed, len(header))
	}

	var samples []Sample
	lineNo := 1
	blank := false
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			blank = true
			continue
		}
		if blank {
			return nil, nil, fmt.Errorf("%w: line %d: data after blank line", fault.ErrReadFailed, lineNo)
		}
		s, err := parseSample(line)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: line %d: %w", fault.ErrReadFailed, lineNo, err)
		}
		samples = append(samples, s)
	}
	if err := sc.Err(); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", fault.ErrReadFailed, err)
	}
	return samples, header, nil
}

func splitHeader(line string) []string {
	cols := strings.Split(line, ",")
	for i := range cols {
		cols[i] = strings.TrimSpace(cols[i])
	}
	return cols
}

func parseSample(line string) (Sample, error) {
	fields := strings.Split(line, ",")
	if len(fields) != 4 {
		return Sample{}, fmt.Errorf("got %d fields, want 4", len(fields))
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	mark, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return Sample{}, fmt.Errorf("mark_id: %w", err)
	}
	thread, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return Sample{}, fmt.Errorf("thread_id: %w", err)
	}
	instr, err := strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return Sample{}, fmt.Errorf("instruction_count: %w", err)
	}
	if instr == 0 {
		return Sample{}, fmt.Errorf("instruction_count is zero")
	}
	raw, err := strconv.ParseUint(fields[3], 10, 64)
	if err != nil {
		return Sample{}, fmt.Errorf("raw_count: %w", err)
	}
	return Sample{Mark: MarkID(mark), Thread: uint32(thread), Instructions: instr, Raw: raw}, nil
}
