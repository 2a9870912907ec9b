// Package datafile writes and reads the flight summary .asc files.
//
// A file is an optional header of "#! " lines (the database structure), one
// label line, and one comma separated row per sample:
//
//	#! global_attributes=('COLUMNS',('key','text',''))%
//	YEAR,MONTH,DAY,HOUR,MINUTE,SECOND,ATX,PSXC
//	2011,07,28,14,00,00,21.5,701.2
package datafile

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"flight_monitor/internal/series"
	"flight_monitor/internal/telemetry"
)

const (
	headerPrefix = "#! "
	timeLabels   = "YEAR,MONTH,DAY,HOUR,MINUTE,SECOND"
	rowTime      = "2006,01,02,15,04,05"
	// Extension is the data file suffix.
	Extension = ".asc"
)

// ErrMalformed is returned by Read for input that is not a data file.
var ErrMalformed = errors.New("malformed data file")

// FlightWriter stores a finished flight. labels starts with the time column.
type FlightWriter interface {
	Write(ctx context.Context, path string, labels []string, rows []series.Row, header string) error
}

// FileWriter writes .asc files.
type FileWriter struct{}

// Write creates or replaces path. The file is written next to path and
// renamed into place so readers never see a partial file.
func (FileWriter) Write(ctx context.Context, path string, labels []string, rows []series.Row, header string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(labels) == 0 {
		return fmt.Errorf("write %s: no labels", path)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if err := Encode(tmp, labels, rows, header); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// Encode writes the file body to w.
func Encode(w io.Writer, labels []string, rows []series.Row, header string) error {
	vars := labels[1:]
	bw := bufio.NewWriter(w)

	if header != "" {
		for _, line := range strings.Split(strings.TrimRight(header, "\n"), "\n") {
			bw.WriteString(headerPrefix)
			bw.WriteString(line)
			bw.WriteByte('\n')
		}
	}

	bw.WriteString(timeLabels)
	for _, v := range vars {
		bw.WriteByte(',')
		bw.WriteString(strings.ToUpper(v))
	}
	bw.WriteByte('\n')

	buf := make([]byte, 0, 64)
	for _, row := range rows {
		if len(row.Values) != len(vars) {
			return fmt.Errorf("row at %s: %w", row.Time.UTC().Format(time.DateTime), series.ErrArity)
		}
		buf = row.Time.UTC().AppendFormat(buf[:0], rowTime)
		for _, v := range row.Values {
			buf = append(buf, ',')
			buf = strconv.AppendFloat(buf, v, 'g', -1, 64)
		}
		buf = append(buf, '\n')
		if _, err := bw.Write(buf); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Data is a parsed data file.
type Data struct {
	Header    string   // without the "#! " prefixes
	Variables []string // lower case, without the time columns
	Rows      []series.Row
}

// Labels returns the labels in the form Set.Labels produces.
func (d *Data) Labels() []string {
	return append([]string{series.TimeLabel}, d.Variables...)
}

// Set loads the rows into a new variable set.
func (d *Data) Set() (*series.Set, error) {
	set := series.NewSet(d.Variables...)
	if err := set.AddData(d.Rows); err != nil {
		return nil, err
	}
	return set, nil
}

// Read parses a data file.
func Read(r io.Reader) (*Data, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	d := &Data{}
	var header []string
	line := 0
	labelled := false
	for sc.Scan() {
		line++
		text := strings.TrimRight(sc.Text(), "\r")
		switch {
		case !labelled && strings.HasPrefix(text, "#"):
			header = append(header, strings.TrimPrefix(strings.TrimPrefix(text, "#!"), " "))
		case !labelled:
			vars, err := parseLabels(text)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			d.Variables = vars
			labelled = true
		case text == "":
		default:
			row, err := parseRow(text, len(d.Variables))
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			d.Rows = append(d.Rows, row)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if !labelled {
		return nil, fmt.Errorf("%w: no label line", ErrMalformed)
	}
	d.Header = strings.Join(header, "\n")
	return d, nil
}

// ReadFile parses the data file at path.
func ReadFile(path string) (*Data, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

func parseLabels(text string) ([]string, error) {
	if !strings.HasPrefix(strings.ToUpper(text), timeLabels) {
		return nil, fmt.Errorf("%w: label line must start with %s", ErrMalformed, timeLabels)
	}
	rest := strings.TrimPrefix(text[len(timeLabels):], ",")
	if rest == "" {
		return nil, nil
	}
	vars := strings.Split(rest, ",")
	for i, v := range vars {
		vars[i] = strings.ToLower(strings.TrimSpace(v))
	}
	return vars, nil
}

func parseRow(text string, n int) (series.Row, error) {
	fields := strings.Split(text, ",")
	if len(fields) != 6+n {
		return series.Row{}, fmt.Errorf("%w: %d fields, want %d", ErrMalformed, len(fields), 6+n)
	}
	t, err := time.ParseInLocation(rowTime, strings.Join(fields[:6], ","), time.UTC)
	if err != nil {
		return series.Row{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	vals := make([]float64, n)
	for i, f := range fields[6:] {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return series.Row{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		vals[i] = v
	}
	return series.Row{Time: t, Values: vals}, nil
}

// FileName returns {dir}/{Project}-{Flight}-{UTC %Y_%m_%d-%H_%M_%S}.asc.
// An empty dir means the system temp directory.
func FileName(dir string, meta telemetry.Metadata, t time.Time) string {
	if dir == "" {
		dir = os.TempDir()
	}
	name := strings.Join([]string{
		meta.Project(),
		meta.Flight(),
		t.UTC().Format("2006_01_02-15_04_05"),
	}, "-")
	return filepath.Join(dir, name+Extension)
}

// MultiWriter writes to every writer and joins their errors.
type MultiWriter []FlightWriter

func (m MultiWriter) Write(ctx context.Context, path string, labels []string, rows []series.Row, header string) error {
	var errs []error
	for _, w := range m {
		if err := w.Write(ctx, path, labels, rows, header); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
