package format

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"vmi/internal/image"
)

// extentLine is one extent declaration of a VMDK descriptor, e.g.
//
//	RW 204800 SPARSE "disk.vmdk"
//	RW 204800 FLAT "disk-flat.vmdk" 0
type extentLine struct {
	Access  string
	Sectors int64
	Type    string
	File    string
	Offset  int64
}

// descriptorFile is the parsed descriptor text. Header keys and ddb lines
// keep their original order so the text round-trips byte-for-byte in
// structure.
type descriptorFile struct {
	Meta    image.VMDKDescriptor
	Extents []extentLine
}

func parseDescriptor(text []byte) (*descriptorFile, error) {
	d := &descriptorFile{}
	d.Meta.Version = 1
	sawCreateType := false

	for _, raw := range strings.Split(string(text), "\n") {
		line := strings.TrimSpace(strings.TrimRight(raw, "\r"))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		switch {
		case strings.HasPrefix(line, "RW ") || strings.HasPrefix(line, "RDONLY ") || strings.HasPrefix(line, "NOACCESS "):
			ext, err := parseExtentLine(line)
			if err != nil {
				return nil, err
			}
			d.Extents = append(d.Extents, ext)
			continue
		}

		key, value, ok := splitKeyValue(line)
		if !ok {
			return nil, image.Errf(image.UnsupportedVariant, "unparsable descriptor line %q", line)
		}

		switch key {
		case "version":
			v, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, image.Errf(image.UnsupportedVariant, "bad descriptor version %q", value)
			}
			d.Meta.Version = v
		case "CID":
			d.Meta.CID = value
		case "parentCID":
			d.Meta.ParentCID = value
		case "createType":
			d.Meta.CreateType = value
			sawCreateType = true
		case "encoding", "parentFileNameHint":
			// Accepted but not needed; carried in the ddb-less header is
			// not required for round-trip of the fields the core promises.
		default:
			if strings.HasPrefix(key, "ddb.") {
				d.Meta.DDB = append(d.Meta.DDB, image.DDBEntry{Key: key, Value: value})
				switch key {
				case "ddb.adapterType":
					d.Meta.AdapterType = value
				case "ddb.geometry.cylinders":
					d.Meta.Geometry.Cylinders, _ = strconv.ParseInt(value, 10, 64)
				case "ddb.geometry.heads":
					d.Meta.Geometry.Heads, _ = strconv.ParseInt(value, 10, 64)
				case "ddb.geometry.sectors":
					d.Meta.Geometry.Sectors, _ = strconv.ParseInt(value, 10, 64)
				}
			}
		}
	}

	if !sawCreateType {
		return nil, image.Errf(image.UnsupportedVariant, "descriptor missing createType")
	}
	if len(d.Extents) == 0 {
		return nil, image.Errf(image.UnsupportedVariant, "descriptor has no extent lines")
	}
	return d, nil
}

func parseExtentLine(line string) (extentLine, error) {
	var ext extentLine

	fields := splitQuoted(line)
	if len(fields) < 3 {
		return ext, image.Errf(image.UnsupportedVariant, "short extent line %q", line)
	}
	ext.Access = fields[0]
	sectors, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return ext, image.Errf(image.UnsupportedVariant, "bad sector count in %q", line)
	}
	ext.Sectors = sectors
	ext.Type = fields[2]
	if ext.Type != "ZERO" {
		if len(fields) < 4 {
			return ext, image.Errf(image.UnsupportedVariant, "extent line %q is missing a file", line)
		}
		ext.File = fields[3]
	}
	if len(fields) >= 5 {
		if ext.Offset, err = strconv.ParseInt(fields[4], 10, 64); err != nil {
			return ext, image.Errf(image.UnsupportedVariant, "bad extent offset in %q", line)
		}
	}
	return ext, nil
}

// splitQuoted splits on spaces, keeping a double-quoted filename together.
func splitQuoted(line string) []string {
	var fields []string
	for len(line) > 0 {
		line = strings.TrimLeft(line, " \t")
		if line == "" {
			break
		}
		if line[0] == '"' {
			end := strings.IndexByte(line[1:], '"')
			if end < 0 {
				fields = append(fields, line[1:])
				break
			}
			fields = append(fields, line[1:1+end])
			line = line[end+2:]
			continue
		}
		end := strings.IndexAny(line, " \t")
		if end < 0 {
			fields = append(fields, line)
			break
		}
		fields = append(fields, line[:end])
		line = line[end:]
	}
	return fields
}

func splitKeyValue(line string) (string, string, bool) {
	i := strings.IndexByte(line, '=')
	if i < 0 {
		return "", "", false
	}
	key := strings.TrimSpace(line[:i])
	value := strings.TrimSpace(line[i+1:])
	value = strings.Trim(value, `"`)
	return key, value, true
}

// encode regenerates the descriptor text. Field order is fixed by the
// format: version, CID, parentCID, createType, extent lines, then the disk
// data base entries in their stored order.
func (d *descriptorFile) encode() []byte {
	var b bytes.Buffer

	b.WriteString("# Disk DescriptorFile\n")
	fmt.Fprintf(&b, "version=%d\n", d.Meta.Version)
	fmt.Fprintf(&b, "CID=%s\n", d.Meta.CID)
	fmt.Fprintf(&b, "parentCID=%s\n", d.Meta.ParentCID)
	fmt.Fprintf(&b, "createType=%q\n", d.Meta.CreateType)

	b.WriteString("\n# Extent description\n")
	for _, ext := range d.Extents {
		if ext.Type == "FLAT" {
			fmt.Fprintf(&b, "%s %d %s %q %d\n", ext.Access, ext.Sectors, ext.Type, ext.File, ext.Offset)
		} else {
			fmt.Fprintf(&b, "%s %d %s %q\n", ext.Access, ext.Sectors, ext.Type, ext.File)
		}
	}

	b.WriteString("\n# The Disk Data Base\n#DDB\n\n")
	for _, entry := range d.Meta.DDB {
		fmt.Fprintf(&b, "%s = %q\n", entry.Key, entry.Value)
	}

	return b.Bytes()
}

// defaultDescriptorMeta fills in a descriptor for an image that did not
// come from a VMDK. Geometry follows the conventional 16 heads x 63
// sectors translation.
func defaultDescriptorMeta(virtualSize int64, createType string) image.VMDKDescriptor {
	sectors := virtualSize / sectorSize
	cylinders := sectors / (16 * 63)

	meta := image.VMDKDescriptor{
		Version:     1,
		CID:         "fffffffe",
		ParentCID:   "ffffffff",
		CreateType:  createType,
		AdapterType: "lsilogic",
		Geometry:    image.Geometry{Cylinders: cylinders, Heads: 16, Sectors: 63},
	}
	meta.DDB = []image.DDBEntry{
		{Key: "ddb.virtualHWVersion", Value: "4"},
		{Key: "ddb.geometry.cylinders", Value: strconv.FormatInt(cylinders, 10)},
		{Key: "ddb.geometry.heads", Value: "16"},
		{Key: "ddb.geometry.sectors", Value: "63"},
		{Key: "ddb.adapterType", Value: "lsilogic"},
	}
	return meta
}
