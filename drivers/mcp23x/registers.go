package mcp23x

// MCP23017 register addresses (IOCON.BANK = 0).
const (
	mcp17IODIRA   = 0x00
	mcp17IODIRB   = 0x01
	mcp17IPOLA    = 0x02
	mcp17IPOLB    = 0x03
	mcp17GPINTENA = 0x04
	mcp17GPINTENB = 0x05
	mcp17DEFVALA  = 0x06
	mcp17DEFVALB  = 0x07
	mcp17INTCONA  = 0x08
	mcp17INTCONB  = 0x09
	mcp17IOCONA   = 0x0A
	mcp17IOCONB   = 0x0B
	mcp17GPPUA    = 0x0C
	mcp17GPPUB    = 0x0D
	mcp17INTFA    = 0x0E
	mcp17INTFB    = 0x0F
	mcp17INTCAPA  = 0x10
	mcp17INTCAPB  = 0x11
	mcp17GPIOA    = 0x12
	mcp17GPIOB    = 0x13
	mcp17OLATA    = 0x14
	mcp17OLATB    = 0x15
)

// MCP23008 register addresses.
const (
	mcp08IODIR   = 0x00
	mcp08IPOL    = 0x01
	mcp08GPINTEN = 0x02
	mcp08DEFVAL  = 0x03
	mcp08INTCON  = 0x04
	mcp08IOCON   = 0x05
	mcp08GPPU    = 0x06
	mcp08INTF    = 0x07
	mcp08INTCAP  = 0x08
	mcp08GPIO    = 0x09
	mcp08OLAT    = 0x0A
)

// IOCON.SEQOP bit: set disables automatic address pointer increment on the
// silicon; the stock configuration writes 0x20 when sequential block access
// is requested.
const ioconSequential = 0x20

// Port selects one 8-bit register bank.
type Port uint8

const (
	PortA Port = iota
	PortB
)

// register groups addressable per port.
type regKind uint8

const (
	regIODIR regKind = iota
	regIPOL
	regGPINTEN
	regINTCON
	regIOCON
	regGPPU
	regGPIO
)

var mcp17Regs = map[regKind][2]byte{
	regIODIR:   {mcp17IODIRA, mcp17IODIRB},
	regIPOL:    {mcp17IPOLA, mcp17IPOLB},
	regGPINTEN: {mcp17GPINTENA, mcp17GPINTENB},
	regINTCON:  {mcp17INTCONA, mcp17INTCONB},
	regIOCON:   {mcp17IOCONA, mcp17IOCONB},
	regGPPU:    {mcp17GPPUA, mcp17GPPUB},
	regGPIO:    {mcp17GPIOA, mcp17GPIOB},
}

var mcp08Regs = map[regKind]byte{
	regIODIR:   mcp08IODIR,
	regIPOL:    mcp08IPOL,
	regGPINTEN: mcp08GPINTEN,
	regINTCON:  mcp08INTCON,
	regIOCON:   mcp08IOCON,
	regGPPU:    mcp08GPPU,
	regGPIO:    mcp08GPIO,
}
