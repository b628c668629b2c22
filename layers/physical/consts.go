package physical

const (
	// MTU (maximum transmission unit) is the maximum number of bytes
	// the wire carries in one unit: an Ethernet frame without the FCS.
	MTU = 1514

	channelSize = 1024

	promSubsystem = "physical_wire"
)
