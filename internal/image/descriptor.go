package image

// Descriptor identifies the concrete format instance an image was parsed
// from, with whatever container metadata the codec needs to reproduce it.
// Exactly one of the format-specific fields is set, matching Tag.
type Descriptor struct {
	Tag  string
	VMDK *VMDKDescriptor
	OVF  *OVFDescriptor
}

// Geometry is a VMDK disk geometry triple.
type Geometry struct {
	Cylinders int64
	Heads     int64
	Sectors   int64
}

// DDBEntry is one ddb.* line of a VMDK descriptor, order-preserved.
type DDBEntry struct {
	Key   string
	Value string
}

// VMDKDescriptor holds the descriptor-text fields a VMDK round-trip must
// preserve: header keys in order, the extent layout type, and the disk
// database entries verbatim.
type VMDKDescriptor struct {
	Version     int64
	CID         string
	ParentCID   string
	CreateType  string
	AdapterType string
	Geometry    Geometry
	DDB         []DDBEntry
}

// OVFDiskRef is one disk referenced by an OVF envelope.
type OVFDiskRef struct {
	FileID    string
	DiskID    string
	Href      string
	Capacity  int64
	FormatURI string
}

// OVFDescriptor holds what an OVF round-trip must reproduce: the manifest
// digest algorithm, the referenced disks, and the virtual-system fragment
// carried through verbatim since its schema is opaque to the core.
type OVFDescriptor struct {
	// Algorithm is "SHA1" or "SHA256", per the manifest that was read.
	Algorithm string
	Disks     []OVFDiskRef
	// VirtualSystemXML is the raw inner XML of the VirtualSystem element,
	// re-emitted unchanged on write.
	VirtualSystemXML []byte
	// SystemID is the ovf:id attribute of the VirtualSystem element.
	SystemID string
}
