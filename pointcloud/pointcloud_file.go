package pointcloud

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"image/color"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/regardrgbd/rgbdscan/utils"
)

// PCDType is the format of a pcd file.
type PCDType int

const (
	// PCDAscii ascii format for pcd.
	PCDAscii PCDType = 0
	// PCDBinary binary format for pcd.
	PCDBinary PCDType = 1
)

const pcdCommentChar = "#"

var pcdHeaderFields = []string{"VERSION", "FIELDS", "SIZE", "TYPE", "COUNT", "WIDTH", "HEIGHT", "VIEWPOINT", "POINTS", "DATA"}

func colorToPCDInt(d Data) uint32 {
	if d == nil || !d.HasColor() {
		return 0
	}
	r, g, b := d.RGB255()
	return uint32(r)<<16 | uint32(g)<<8 | uint32(b)
}

func pcdIntToColor(c uint32) color.NRGBA {
	return color.NRGBA{R: uint8(0xFF & (c >> 16)), G: uint8(0xFF & (c >> 8)), B: uint8(0xFF & c), A: 255}
}

// ToPCD writes the cloud in PCD v0.7 format. Positions are written in meters.
func ToPCD(cloud PointCloud, out io.Writer, outputType PCDType) error {
	hasColor := cloud.MetaData().HasColor
	header := "VERSION .7\n"
	if hasColor {
		header += "FIELDS x y z rgb\nSIZE 4 4 4 4\nTYPE F F F U\nCOUNT 1 1 1 1\n"
	} else {
		header += "FIELDS x y z\nSIZE 4 4 4\nTYPE F F F\nCOUNT 1 1 1\n"
	}
	header += fmt.Sprintf("WIDTH %d\nHEIGHT 1\nVIEWPOINT 0 0 0 1 0 0 0\nPOINTS %d\n", cloud.Size(), cloud.Size())
	switch outputType {
	case PCDAscii:
		header += "DATA ascii\n"
	case PCDBinary:
		header += "DATA binary\n"
	default:
		return errors.Errorf("unsupported pcd type %d", outputType)
	}
	w := bufio.NewWriter(out)
	if _, err := w.WriteString(header); err != nil {
		return err
	}

	var err error
	buf := make([]byte, 16)
	cloud.Iterate(0, 0, func(p r3.Vector, d Data) bool {
		if outputType == PCDAscii {
			if hasColor {
				_, err = fmt.Fprintf(w, "%f %f %f %d\n", p.X, p.Y, p.Z, colorToPCDInt(d))
			} else {
				_, err = fmt.Fprintf(w, "%f %f %f\n", p.X, p.Y, p.Z)
			}
			return err == nil
		}
		binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(p.X)))
		binary.LittleEndian.PutUint32(buf[4:], math.Float32bits(float32(p.Y)))
		binary.LittleEndian.PutUint32(buf[8:], math.Float32bits(float32(p.Z)))
		n := 12
		if hasColor {
			binary.LittleEndian.PutUint32(buf[12:], colorToPCDInt(d))
			n = 16
		}
		_, err = w.Write(buf[:n])
		return err == nil
	})
	if err != nil {
		return err
	}
	return w.Flush()
}

// WriteToPCDFile writes the cloud to path, replacing any existing file only on success.
func WriteToPCDFile(cloud PointCloud, path string, outputType PCDType) error {
	return utils.WriteFileAtomic(path, func(w io.Writer) error {
		return ToPCD(cloud, w, outputType)
	})
}

type pcdHeader struct {
	hasColor bool
	points   int
	data     PCDType
}

func parsePCDHeaderLine(line string, index int, header *pcdHeader) error {
	name := pcdHeaderFields[index]
	field, value, _ := strings.Cut(line, " ")
	if field != name {
		return errors.Errorf("line is supposed to start with %s but is %s", name, line)
	}
	switch name {
	case "VERSION":
		if value != ".7" && value != "0.7" {
			return errors.Errorf("unsupported pcd version %s", value)
		}
	case "FIELDS":
		switch value {
		case "x y z":
		case "x y z rgb":
			header.hasColor = true
		default:
			return errors.Errorf("unsupported pcd fields %s", value)
		}
	case "POINTS":
		points, err := strconv.Atoi(value)
		if err != nil {
			return errors.Wrapf(err, "invalid POINTS field %s", value)
		}
		header.points = points
	case "DATA":
		switch value {
		case "ascii":
			header.data = PCDAscii
		case "binary":
			header.data = PCDBinary
		default:
			return errors.Errorf("unsupported pcd data type %s", value)
		}
	}
	return nil
}

// ReadPCD reads a cloud written by ToPCD.
func ReadPCD(inRaw io.Reader) (PointCloud, error) {
	header := pcdHeader{}
	in := bufio.NewReader(inRaw)
	for headerLineCount := 0; headerLineCount < len(pcdHeaderFields); {
		line, err := in.ReadString('\n')
		if err != nil {
			return nil, errors.Wrapf(err, "error reading header line %d", headerLineCount)
		}
		line, _, _ = strings.Cut(line, pcdCommentChar)
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := parsePCDHeaderLine(line, headerLineCount, &header); err != nil {
			return nil, err
		}
		headerLineCount++
	}

	pc := NewWithPrealloc(header.points)
	for i := 0; i < header.points; i++ {
		var p r3.Vector
		var d Data = NewBasicData()
		if header.data == PCDAscii {
			line, err := in.ReadString('\n')
			if err != nil && !(errors.Is(err, io.EOF) && line != "") {
				return nil, errors.Wrapf(err, "reading point %d", i)
			}
			tokens := strings.Fields(line)
			want := 3
			if header.hasColor {
				want = 4
			}
			if len(tokens) != want {
				return nil, errors.Errorf("unexpected number of fields in point %d", i)
			}
			vals := make([]float64, 3)
			for j := 0; j < 3; j++ {
				if vals[j], err = strconv.ParseFloat(tokens[j], 64); err != nil {
					return nil, errors.Wrapf(err, "invalid point %d field %s", i, tokens[j])
				}
			}
			p = r3.Vector{X: vals[0], Y: vals[1], Z: vals[2]}
			if header.hasColor {
				c, err := strconv.ParseUint(tokens[3], 10, 32)
				if err != nil {
					return nil, errors.Wrapf(err, "invalid point %d color %s", i, tokens[3])
				}
				d = NewColoredData(pcdIntToColor(uint32(c)))
			}
		} else {
			n := 12
			if header.hasColor {
				n = 16
			}
			buf := make([]byte, n)
			if _, err := io.ReadFull(in, buf); err != nil {
				return nil, errors.Wrapf(err, "reading point %d", i)
			}
			p = r3.Vector{
				X: float64(math.Float32frombits(binary.LittleEndian.Uint32(buf))),
				Y: float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[4:]))),
				Z: float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[8:]))),
			}
			if header.hasColor {
				d = NewColoredData(pcdIntToColor(binary.LittleEndian.Uint32(buf[12:])))
			}
		}
		if err := pc.Set(p, d); err != nil {
			return nil, err
		}
	}
	return pc, nil
}
