package transfer

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// decode parses an import file into records. Cell-level conversion problems
// in CSV files are returned as row errors; anything that prevents reading
// the file is ErrMalformed.
func decode[R any](format Format, r io.Reader, cols []column[R]) ([]R, []RowError, error) {
	var (
		recs []R
		errs []RowError
		err  error
	)
	switch format {
	case FormatCSV:
		recs, errs, err = decodeCSV(r, cols)
	case FormatJSON:
		recs, err = decodeJSON[R](r)
	case FormatNDJSON:
		recs, err = decodeNDJSON[R](r)
	case FormatYAML:
		recs, err = decodeYAML[R](r)
	default:
		return nil, nil, fmt.Errorf("%w: cannot import %s", ErrUnsupported, format)
	}
	if err != nil {
		return nil, nil, err
	}
	if len(recs) > MaxImportRows {
		return nil, nil, fmt.Errorf("%w: %d rows exceeds the limit of %d", ErrMalformed, len(recs), MaxImportRows)
	}
	return recs, errs, nil
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

func decodeCSV[R any](r io.Reader, cols []column[R]) ([]R, []RowError, error) {
	br := bufio.NewReader(r)
	if head, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(head, utf8BOM) {
		_, _ = br.Discard(len(utf8BOM))
	}
	cr := csv.NewReader(br)
	cr.FieldsPerRecord = 0
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%w: csv header: %v", ErrMalformed, err)
	}

	byName := make(map[string]column[R], len(cols))
	for _, c := range cols {
		byName[c.name] = c
	}
	index := make([]column[R], len(header))
	for i, h := range header {
		c, ok := byName[strings.ToLower(strings.TrimSpace(h))]
		if !ok {
			return nil, nil, fmt.Errorf("%w: unknown column %q", ErrMalformed, h)
		}
		index[i] = c
	}

	var (
		recs []R
		errs []RowError
	)
	for row := 1; ; row++ {
		fields, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("%w: csv row %d: %v", ErrMalformed, row, err)
		}
		if len(recs) >= MaxImportRows {
			return nil, nil, fmt.Errorf("%w: more than %d rows", ErrMalformed, MaxImportRows)
		}
		var rec R
		for i, v := range fields {
			if err := index[i].set(&rec, v); err != nil {
				errs = append(errs, RowError{Row: row, Field: index[i].name, Message: err.Error()})
			}
		}
		recs = append(recs, rec)
	}
	return recs, errs, nil
}

func decodeJSON[R any](r io.Reader) ([]R, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	var recs []R
	if err := dec.Decode(&recs); err != nil {
		return nil, fmt.Errorf("%w: json: %v", ErrMalformed, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: json: trailing data after array", ErrMalformed)
	}
	return recs, nil
}

func decodeNDJSON[R any](r io.Reader) ([]R, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	var recs []R
	for row := 1; ; row++ {
		var rec R
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			return recs, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: ndjson row %d: %v", ErrMalformed, row, err)
		}
		if len(recs) >= MaxImportRows {
			return nil, fmt.Errorf("%w: more than %d rows", ErrMalformed, MaxImportRows)
		}
		recs = append(recs, rec)
	}
}

func decodeYAML[R any](r io.Reader) ([]R, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var recs []R
	if err := dec.Decode(&recs); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: yaml: %v", ErrMalformed, err)
	}
	return recs, nil
}

// encode writes records in a streaming-friendly format.
func encode[R any](w io.Writer, format Format, recs []R, cols []column[R]) error {
	switch format {
	case FormatCSV:
		cw := csv.NewWriter(w)
		if err := cw.Write(columnNames(cols)); err != nil {
			return err
		}
		row := make([]string, len(cols))
		for i := range recs {
			for j, c := range cols {
				row[j] = c.get(&recs[i])
			}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	case FormatJSON:
		if recs == nil {
			recs = []R{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(recs)
	case FormatNDJSON:
		enc := json.NewEncoder(w)
		for i := range recs {
			if err := enc.Encode(recs[i]); err != nil {
				return err
			}
		}
		return nil
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if recs == nil {
			recs = []R{}
		}
		if err := enc.Encode(recs); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("%w: cannot stream %s", ErrUnsupported, format)
}
