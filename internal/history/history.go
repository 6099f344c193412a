// Package history stores evaluation records for later hot starts.
//
// A history is a pair of files: <name>.cue is an index stream of JSON lines,
// one per record, and <name>.bin is the payload stream of little-endian
// float64 values the index points into.
package history

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

// Record identifiers.
const (
	IdentX       = "x"
	IdentObj     = "obj"
	IdentCon     = "con"
	IdentFail    = "fail"
	IdentGradObj = "grad_obj"
	IdentGradCon = "grad_con"
	IdentSeed    = "seed"
)

// ErrClosed is returned by operations on a closed history file.
var ErrClosed = errors.New("history file closed")

// Record is one stored value, shaped Rows x Cols in row-major order.
type Record struct {
	Ident string
	Rows  int
	Cols  int
	Data  []float64
}

// Scalar returns the first element, or 0 for an empty record.
func (r Record) Scalar() float64 {
	if len(r.Data) == 0 {
		return 0
	}
	return r.Data[0]
}

// Matrix reshapes the record into rows x cols. It fails when the sizes do
// not match the stored payload.
func (r Record) Matrix(rows, cols int) ([][]float64, error) {
	if rows*cols != len(r.Data) {
		return nil, fmt.Errorf("record %q holds %d values, cannot reshape to %dx%d", r.Ident, len(r.Data), rows, cols)
	}
	m := make([][]float64, rows)
	for i := range m {
		m[i] = append([]float64(nil), r.Data[i*cols:(i+1)*cols]...)
	}
	return m, nil
}

type cueEntry struct {
	Ident  string `json:"ident"`
	Offset int64  `json:"offset"`
	Rows   int    `json:"rows"`
	Cols   int    `json:"cols"`
}

// Files returns the index and payload paths for a history name.
func Files(name string) (cue, bin string) {
	return name + ".cue", name + ".bin"
}

// Exists reports whether both files of a history are present.
func Exists(name string) bool {
	cue, bin := Files(name)
	if _, err := os.Stat(cue); err != nil {
		return false
	}
	if _, err := os.Stat(bin); err != nil {
		return false
	}
	return true
}

// Writer appends records to a history.
type Writer struct {
	name   string
	cueF   *os.File
	binF   *os.File
	cue    *bufio.Writer
	bin    *bufio.Writer
	offset int64
	closed bool
}

// Create starts a new history, truncating existing files.
func Create(name string) (*Writer, error) {
	cuePath, binPath := Files(name)
	cueF, err := os.Create(cuePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create history index: %w", err)
	}
	binF, err := os.Create(binPath)
	if err != nil {
		cueF.Close()
		return nil, fmt.Errorf("failed to create history payload: %w", err)
	}
	return &Writer{
		name: name,
		cueF: cueF,
		binF: binF,
		cue:  bufio.NewWriterSize(cueF, 16*1024),
		bin:  bufio.NewWriterSize(binF, 64*1024),
	}, nil
}

// Name returns the history name the writer was created with.
func (w *Writer) Name() string {
	return w.name
}

// Write appends a rows x cols record.
func (w *Writer) Write(ident string, rows, cols int, data []float64) error {
	if w.closed {
		return ErrClosed
	}
	if rows*cols != len(data) {
		return fmt.Errorf("record %q: %d values do not fill %dx%d", ident, len(data), rows, cols)
	}

	line, err := json.Marshal(cueEntry{Ident: ident, Offset: w.offset, Rows: rows, Cols: cols})
	if err != nil {
		return fmt.Errorf("failed to marshal history index entry: %w", err)
	}
	if _, err := w.cue.Write(line); err != nil {
		return fmt.Errorf("failed to write history index: %w", err)
	}
	if err := w.cue.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write history index: %w", err)
	}

	var buf [8]byte
	for _, v := range data {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		if _, err := w.bin.Write(buf[:]); err != nil {
			return fmt.Errorf("failed to write history payload: %w", err)
		}
	}
	w.offset += int64(8 * len(data))
	return nil
}

// WriteScalar appends a 1x1 record.
func (w *Writer) WriteScalar(ident string, v float64) error {
	return w.Write(ident, 1, 1, []float64{v})
}

// WriteVector appends a 1xn record.
func (w *Writer) WriteVector(ident string, v []float64) error {
	return w.Write(ident, 1, len(v), v)
}

// WriteMatrix appends a rows x cols record. All rows must have equal length.
func (w *Writer) WriteMatrix(ident string, m [][]float64) error {
	rows := len(m)
	cols := 0
	if rows > 0 {
		cols = len(m[0])
	}
	data := make([]float64, 0, rows*cols)
	for i, row := range m {
		if len(row) != cols {
			return fmt.Errorf("record %q: row %d has %d columns, want %d", ident, i, len(row), cols)
		}
		data = append(data, row...)
	}
	return w.Write(ident, rows, cols, data)
}

// Flush writes buffered records to disk.
func (w *Writer) Flush() error {
	if w.closed {
		return nil
	}
	if err := w.bin.Flush(); err != nil {
		return fmt.Errorf("failed to flush history payload: %w", err)
	}
	if err := w.cue.Flush(); err != nil {
		return fmt.Errorf("failed to flush history index: %w", err)
	}
	return nil
}

// Close flushes and closes both files. Closing twice is a no-op.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	flushErr := w.Flush()
	w.closed = true
	return errors.Join(flushErr, w.binF.Close(), w.cueF.Close())
}

// Reader reads records of a history in the order they were written.
// Each identifier has its own cursor.
type Reader struct {
	name    string
	entries []cueEntry
	bin     *os.File
	cursor  map[string]int
	closed  bool
}

// Open loads the index of an existing history.
func Open(name string) (*Reader, error) {
	cuePath, binPath := Files(name)
	cueF, err := os.Open(cuePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open history index: %w", err)
	}
	defer cueF.Close()

	var entries []cueEntry
	scanner := bufio.NewScanner(cueF)
	for line := 1; scanner.Scan(); line++ {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var e cueEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("failed to parse history index line %d: %w", line, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history index: %w", err)
	}

	bin, err := os.Open(binPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open history payload: %w", err)
	}
	return &Reader{name: name, entries: entries, bin: bin, cursor: make(map[string]int)}, nil
}

// Name returns the history name.
func (r *Reader) Name() string {
	return r.name
}

// Read returns the next unread record for each identifier. end is true once
// any identifier has no record left; no cursor advances in that case.
func (r *Reader) Read(idents ...string) (vals map[string]Record, end bool, err error) {
	if r.closed {
		return nil, false, ErrClosed
	}
	next := make(map[string]int, len(idents))
	for _, ident := range idents {
		i := r.find(ident, r.cursor[ident])
		if i < 0 {
			return nil, true, nil
		}
		next[ident] = i
	}

	vals = make(map[string]Record, len(idents))
	for ident, i := range next {
		rec, err := r.load(r.entries[i])
		if err != nil {
			return nil, false, err
		}
		vals[ident] = rec
	}
	for ident, i := range next {
		r.cursor[ident] = i + 1
	}
	return vals, false, nil
}

// ReadLast returns the last record for ident without moving any cursor.
func (r *Reader) ReadLast(ident string) (Record, bool, error) {
	if r.closed {
		return Record{}, false, ErrClosed
	}
	for i := len(r.entries) - 1; i >= 0; i-- {
		if r.entries[i].Ident == ident {
			rec, err := r.load(r.entries[i])
			return rec, err == nil, err
		}
	}
	return Record{}, false, nil
}

// Count returns the number of records per identifier.
func (r *Reader) Count() map[string]int {
	counts := make(map[string]int)
	for _, e := range r.entries {
		counts[e.Ident]++
	}
	return counts
}

// All returns every record in write order.
func (r *Reader) All() ([]Record, error) {
	if r.closed {
		return nil, ErrClosed
	}
	out := make([]Record, 0, len(r.entries))
	for _, e := range r.entries {
		rec, err := r.load(e)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *Reader) find(ident string, from int) int {
	for i := from; i < len(r.entries); i++ {
		if r.entries[i].Ident == ident {
			return i
		}
	}
	return -1
}

func (r *Reader) load(e cueEntry) (Record, error) {
	n := e.Rows * e.Cols
	buf := make([]byte, 8*n)
	if _, err := r.bin.ReadAt(buf, e.Offset); err != nil && !(errors.Is(err, io.EOF) && n == 0) {
		return Record{}, fmt.Errorf("failed to read history payload for %q at %d: %w", e.Ident, e.Offset, err)
	}
	data := make([]float64, n)
	for i := range data {
		data[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[8*i:]))
	}
	return Record{Ident: e.Ident, Rows: e.Rows, Cols: e.Cols, Data: data}, nil
}

// Close releases the payload file. Closing twice is a no-op.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.bin.Close()
}
