package volume

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// WriteNRRDLabels writes l as a gzip-encoded NRRD file. Metadata is stored as
// "key:=value" lines, which keeps DICOM-style keys such as "0010|0010" intact.
func WriteNRRDLabels(path string, l *LabelVolume) (err error) {
	if len(l.Labels) != l.Dims.Len() {
		return fmt.Errorf("%w: %d labels for %s", ErrShapeMismatch, len(l.Labels), l.Dims)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	bw := bufio.NewWriter(f)
	if err := writeNRRDHeader(bw, l); err != nil {
		return fmt.Errorf("write NRRD header: %w", err)
	}
	gz := gzip.NewWriter(bw)
	if _, err := gz.Write(l.Labels); err != nil {
		return fmt.Errorf("write NRRD voxels: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("finish gzip stream: %w", err)
	}
	return bw.Flush()
}

func writeNRRDHeader(w io.Writer, l *LabelVolume) error {
	fr := l.Frame
	var dirs []string
	for j := 0; j < 3; j++ {
		dirs = append(dirs, fmt.Sprintf("(%g,%g,%g)",
			fr.Direction[j]*fr.Spacing[j], fr.Direction[3+j]*fr.Spacing[j], fr.Direction[6+j]*fr.Spacing[j]))
	}

	lines := []string{
		"NRRD0004",
		"type: uint8",
		"dimension: 3",
		"space: left-posterior-superior",
		fmt.Sprintf("sizes: %d %d %d", l.Dims.Cols, l.Dims.Rows, l.Dims.Slices),
		"space directions: " + strings.Join(dirs, " "),
		"kinds: domain domain domain",
		"encoding: gzip",
		fmt.Sprintf("space origin: (%g,%g,%g)", fr.Origin[0], fr.Origin[1], fr.Origin[2]),
	}
	for _, k := range l.Metadata.SortedKeys() {
		lines = append(lines, fmt.Sprintf("%s:=%s", k, escapeNRRD(l.Metadata[k])))
	}

	_, err := io.WriteString(w, strings.Join(lines, "\n")+"\n\n")
	return err
}

func escapeNRRD(v string) string {
	return strings.ReplaceAll(v, "\n", " ")
}
