package pointcloud

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/pkg/errors"
)

// WritePCD writes the cloud in ASCII PCD format with fields x y z and,
// when the cloud carries intensities, an intensity field.
func WritePCD(cloud *Cloud, out io.Writer) error {
	fields := "x y z"
	sizes := "4 4 4"
	types := "F F F"
	counts := "1 1 1"
	if cloud.HasIntensity() {
		fields = "x y z intensity"
		sizes = "4 4 4 4"
		types = "F F F F"
		counts = "1 1 1 1"
	}
	if err := writePCDHeader(out, fields, sizes, types, counts, cloud.Size()); err != nil {
		return err
	}
	w := bufio.NewWriter(out)
	for i := 0; i < cloud.Size(); i++ {
		p := cloud.At(i)
		var err error
		if cloud.HasIntensity() {
			_, err = fmt.Fprintf(w, "%f %f %f %f\n", p.X, p.Y, p.Z, cloud.IntensityAt(i))
		} else {
			_, err = fmt.Fprintf(w, "%f %f %f\n", p.X, p.Y, p.Z)
		}
		if err != nil {
			return err
		}
	}
	return w.Flush()
}

// WritePCDColored writes the cloud with an rgb field mapping intensity onto
// a blue to red hue ramp, for inspection in standard viewers.
func WritePCDColored(cloud *Cloud, out io.Writer) error {
	if err := writePCDHeader(out, "x y z rgb", "4 4 4 4", "F F F U", "1 1 1 1", cloud.Size()); err != nil {
		return err
	}
	minI, maxI := intensityRange(cloud)
	span := maxI - minI
	w := bufio.NewWriter(out)
	for i := 0; i < cloud.Size(); i++ {
		p := cloud.At(i)
		t := 0.0
		if span > 0 {
			t = (cloud.IntensityAt(i) - minI) / span
		}
		r, g, b := colorful.Hsv(240*(1-t), 1, 1).RGB255()
		packed := uint32(r)<<16 | uint32(g)<<8 | uint32(b)
		if _, err := fmt.Fprintf(w, "%f %f %f %d\n", p.X, p.Y, p.Z, packed); err != nil {
			return err
		}
	}
	return w.Flush()
}

func intensityRange(cloud *Cloud) (float64, float64) {
	minI, maxI := 0.0, 0.0
	for i := 0; i < cloud.Size(); i++ {
		v := cloud.IntensityAt(i)
		if i == 0 || v < minI {
			minI = v
		}
		if i == 0 || v > maxI {
			maxI = v
		}
	}
	return minI, maxI
}

func writePCDHeader(out io.Writer, fields, sizes, types, counts string, n int) error {
	_, err := fmt.Fprintf(out, "VERSION .7\n"+
		"FIELDS %s\n"+
		"SIZE %s\n"+
		"TYPE %s\n"+
		"COUNT %s\n"+
		"WIDTH %d\n"+
		"HEIGHT 1\n"+
		"VIEWPOINT 0 0 0 1 0 0 0\n"+
		"POINTS %d\n"+
		"DATA ascii\n",
		fields, sizes, types, counts, n, n)
	return err
}

// ReadPCD parses an ASCII PCD stream written by WritePCD. Binary PCD data
// is rejected.
func ReadPCD(in io.Reader) (*Cloud, error) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	var fields []string
	points := 0
	inHeader := true
	cloud := New()
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if inHeader {
			tokens := strings.Fields(line)
			switch tokens[0] {
			case "FIELDS":
				fields = tokens[1:]
			case "POINTS":
				n, err := strconv.Atoi(tokens[1])
				if err != nil {
					return nil, errors.Wrap(err, "invalid POINTS header")
				}
				points = n
			case "DATA":
				if len(tokens) < 2 || tokens[1] != "ascii" {
					return nil, errors.New("only ascii pcd data is supported")
				}
				inHeader = false
			}
			continue
		}
		vals := strings.Fields(line)
		if len(vals) < 3 {
			return nil, errors.Errorf("malformed pcd row %q", line)
		}
		var p r3.Vector
		var err error
		if p.X, err = strconv.ParseFloat(vals[0], 64); err != nil {
			return nil, errors.Wrap(err, "parsing pcd row")
		}
		if p.Y, err = strconv.ParseFloat(vals[1], 64); err != nil {
			return nil, errors.Wrap(err, "parsing pcd row")
		}
		if p.Z, err = strconv.ParseFloat(vals[2], 64); err != nil {
			return nil, errors.Wrap(err, "parsing pcd row")
		}
		if len(fields) >= 4 && fields[3] == "intensity" && len(vals) >= 4 {
			intensity, err := strconv.ParseFloat(vals[3], 64)
			if err != nil {
				return nil, errors.Wrap(err, "parsing pcd intensity")
			}
			cloud.AddWithIntensity(p, intensity)
		} else {
			cloud.Add(p)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if points > 0 && cloud.Size() != points {
		return nil, errors.Errorf("pcd declared %d points but carried %d", points, cloud.Size())
	}
	return cloud, nil
}
