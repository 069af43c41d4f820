package atlas

import (
	"encoding/csv"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// BackgroundName is the label given to index 0 when it is synthesised from
// an FSL label file, which does not list it.
const BackgroundName = "Background"

// ReadLabels parses an "index,label" CSV table.
func ReadLabels(r io.Reader) ([]Label, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 2

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read label header: %w", err)
	}
	if strings.TrimSpace(header[0]) != "index" || strings.TrimSpace(header[1]) != "label" {
		return nil, fmt.Errorf("unexpected label header %v (expected index,label)", header)
	}

	var labels []Label
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read labels: %w", err)
		}
		idx, err := strconv.Atoi(strings.TrimSpace(rec[0]))
		if err != nil {
			return nil, fmt.Errorf("invalid label index %q: %w", rec[0], err)
		}
		labels = append(labels, Label{Index: idx, Name: rec[1]})
	}
	return labels, nil
}

// ReadLabelsFile reads a label CSV from disk.
func ReadLabelsFile(path string) ([]Label, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadLabels(f)
}

// WriteLabels writes labels as an "index,label" CSV table.
func WriteLabels(w io.Writer, labels []Label) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"index", "label"}); err != nil {
		return err
	}
	for _, l := range labels {
		if err := cw.Write([]string{strconv.Itoa(l.Index), l.Name}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

type fslAtlas struct {
	Labels []struct {
		Index int    `xml:"index,attr"`
		Name  string `xml:",chardata"`
	} `xml:"data>label"`
}

// ParseFSLLabels reads an FSL atlas description (e.g. HarvardOxford-Cortical.xml).
// FSL numbers regions from 0 while the maxprob volumes store index+1, so the
// result is shifted by one and Background is inserted at 0.
func ParseFSLLabels(r io.Reader) ([]Label, error) {
	var doc fslAtlas
	dec := xml.NewDecoder(r)
	dec.CharsetReader = latin1Reader
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse FSL atlas xml: %w", err)
	}
	if len(doc.Labels) == 0 {
		return nil, fmt.Errorf("FSL atlas xml lists no labels")
	}

	labels := make([]Label, 0, len(doc.Labels)+1)
	labels = append(labels, Label{Index: 0, Name: BackgroundName})
	for _, l := range doc.Labels {
		labels = append(labels, Label{Index: l.Index + 1, Name: strings.TrimSpace(l.Name)})
	}
	return labels, nil
}

// latin1Reader decodes the ISO-8859-1 declared by the FSL atlas files.
func latin1Reader(charset string, r io.Reader) (io.Reader, error) {
	switch strings.ToLower(charset) {
	case "iso-8859-1", "latin1", "latin-1":
	default:
		return nil, fmt.Errorf("unsupported xml charset %q", charset)
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var sb strings.Builder
	sb.Grow(len(raw))
	for _, b := range raw {
		sb.WriteRune(rune(b))
	}
	return strings.NewReader(sb.String()), nil
}
