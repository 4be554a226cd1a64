package format

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"vmi/internal/image"
)

const (
	ovfNamespace  = "http://schemas.dmtf.org/ovf/envelope/1"
	rasdNamespace = "http://schemas.dmtf.org/wbem/wscim/1/cim-schema/2/CIM_ResourceAllocationSettingData"
	vssdNamespace = "http://schemas.dmtf.org/wbem/wscim/1/cim-schema/2/CIM_VirtualSystemSettingData"

	formatURIStreamOptimized = "http://www.vmware.com/interfaces/specifications/vmdk.html#streamOptimized"
	formatURIMonolithic      = "http://www.vmware.com/interfaces/specifications/vmdk.html#monolithicSparse"
	formatURIRaw             = "http://xenbits.xen.org/docs/unstable/misc/vbd-interface.txt#raw"
)

// envelope mirrors the parts of the OVF envelope the core interprets.
// Everything inside VirtualSystem is opaque and round-tripped verbatim.
type envelope struct {
	XMLName    xml.Name `xml:"Envelope"`
	References struct {
		Files []envFile `xml:"File"`
	} `xml:"References"`
	DiskSection struct {
		Info  string    `xml:"Info"`
		Disks []envDisk `xml:"Disk"`
	} `xml:"DiskSection"`
	VirtualSystem *envVirtualSystem `xml:"VirtualSystem"`
}

type envFile struct {
	ID   string `xml:"id,attr"`
	Href string `xml:"href,attr"`
	Size int64  `xml:"size,attr"`
}

type envDisk struct {
	DiskID    string `xml:"diskId,attr"`
	FileRef   string `xml:"fileRef,attr"`
	Capacity  string `xml:"capacity,attr"`
	Units     string `xml:"capacityAllocationUnits,attr"`
	FormatURI string `xml:"format,attr"`
}

type envVirtualSystem struct {
	ID    string `xml:"id,attr"`
	Inner []byte `xml:",innerxml"`
}

func parseEnvelope(data []byte) (*envelope, error) {
	var env envelope
	if err := xml.Unmarshal(data, &env); err != nil {
		return nil, image.Wrap(image.UnsupportedVariant, err, "parsing OVF envelope")
	}
	if len(env.References.Files) == 0 {
		return nil, image.Errf(image.UnsupportedVariant, "OVF envelope references no files")
	}
	return &env, nil
}

// capacityBytes resolves a Disk element's capacity against its allocation
// units attribute, which OVF writes as "byte * 2^20" style expressions.
func (d envDisk) capacityBytes() (int64, error) {
	n, err := strconv.ParseInt(d.Capacity, 10, 64)
	if err != nil {
		return 0, image.Errf(image.UnsupportedVariant, "bad disk capacity %q", d.Capacity)
	}
	units := strings.TrimSpace(d.Units)
	if units == "" || units == "byte" {
		return n, nil
	}
	var exp int64
	if _, err := fmt.Sscanf(units, "byte * 2^%d", &exp); err != nil {
		return 0, image.Errf(image.UnsupportedVariant, "bad capacity units %q", d.Units)
	}
	if exp < 0 || exp > 62 {
		return 0, image.Errf(image.UnsupportedVariant, "capacity exponent %d out of range", exp)
	}
	return n << uint(exp), nil
}

// encodeEnvelope regenerates the envelope text. The VirtualSystem fragment
// is emitted exactly as stored; everything else is rebuilt from the
// descriptor and the freshly written disk file.
func encodeEnvelope(desc *image.OVFDescriptor, file envFile, disk envDisk) []byte {
	var b bytes.Buffer

	b.WriteString(xml.Header)
	fmt.Fprintf(&b, `<Envelope xmlns="%s" xmlns:ovf="%s" xmlns:rasd="%s" xmlns:vssd="%s">`+"\n",
		ovfNamespace, ovfNamespace, rasdNamespace, vssdNamespace)

	b.WriteString("  <References>\n")
	fmt.Fprintf(&b, `    <File ovf:id="%s" ovf:href="%s" ovf:size="%d"/>`+"\n",
		xmlEscape(file.ID), xmlEscape(file.Href), file.Size)
	b.WriteString("  </References>\n")

	b.WriteString("  <DiskSection>\n")
	b.WriteString("    <Info>Virtual disk information</Info>\n")
	fmt.Fprintf(&b, `    <Disk ovf:capacity="%s" ovf:capacityAllocationUnits="byte" ovf:diskId="%s" ovf:fileRef="%s" ovf:format="%s"/>`+"\n",
		xmlEscape(disk.Capacity), xmlEscape(disk.DiskID), xmlEscape(disk.FileRef), xmlEscape(disk.FormatURI))
	b.WriteString("  </DiskSection>\n")

	systemID := desc.SystemID
	if systemID == "" {
		systemID = "vm"
	}
	if len(desc.VirtualSystemXML) > 0 {
		fmt.Fprintf(&b, `  <VirtualSystem ovf:id="%s">`, xmlEscape(systemID))
		b.Write(desc.VirtualSystemXML)
		b.WriteString("</VirtualSystem>\n")
	} else {
		fmt.Fprintf(&b, `  <VirtualSystem ovf:id="%s">`+"\n", xmlEscape(systemID))
		b.WriteString("    <Info>A virtual machine</Info>\n")
		b.WriteString("  </VirtualSystem>\n")
	}

	b.WriteString("</Envelope>\n")
	return b.Bytes()
}

func xmlEscape(s string) string {
	var b bytes.Buffer
	xml.EscapeText(&b, []byte(s))
	return b.String()
}
