package connector

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"backend/internal/isakmp"
)

func TestFindShortReturnsFirstMatchingTVAttribute(t *testing.T) {
	attrs := []isakmp.Attribute{
		{Type: uint16(isakmp.ConfigAttributeStatus), Format: isakmp.AttributeFormatShort, Short: 1},
		{Type: uint16(isakmp.ConfigAttributeStatus), Format: isakmp.AttributeFormatShort, Short: 2},
	}

	v, ok := findShort(attrs, isakmp.ConfigAttributeStatus)

	assert.True(t, ok)
	assert.Equal(t, uint16(1), v)
}

func TestFindShortIgnoresLongFormatAttributes(t *testing.T) {
	attrs := []isakmp.Attribute{
		{Type: uint16(isakmp.ConfigAttributeStatus), Format: isakmp.AttributeFormatLong, Long: []byte{0x01}},
	}

	_, ok := findShort(attrs, isakmp.ConfigAttributeStatus)

	assert.False(t, ok)
}

func TestFindLongReturnsFirstMatchingTLVAttribute(t *testing.T) {
	attrs := []isakmp.Attribute{
		{Type: uint16(isakmp.ConfigAttributeIpv4Address), Format: isakmp.AttributeFormatLong, Long: []byte{10, 0, 0, 5}},
	}

	v, ok := findLong(attrs, isakmp.ConfigAttributeIpv4Address)

	assert.True(t, ok)
	assert.Equal(t, []byte{10, 0, 0, 5}, v)
}

func TestFindLongReturnsFalseWhenAbsent(t *testing.T) {
	_, ok := findLong(nil, isakmp.ConfigAttributeIpv4Dns)
	assert.False(t, ok)
}

func TestAllLongCollectsEveryMatchingAttribute(t *testing.T) {
	attrs := []isakmp.Attribute{
		{Type: uint16(isakmp.ConfigAttributeIpv4Dns), Format: isakmp.AttributeFormatLong, Long: []byte{8, 8, 8, 8}},
		{Type: uint16(isakmp.ConfigAttributeIpv4Address), Format: isakmp.AttributeFormatLong, Long: []byte{10, 0, 0, 1}},
		{Type: uint16(isakmp.ConfigAttributeIpv4Dns), Format: isakmp.AttributeFormatLong, Long: []byte{8, 8, 4, 4}},
	}

	dns := allLong(attrs, isakmp.ConfigAttributeIpv4Dns)

	assert.Equal(t, [][]byte{{8, 8, 8, 8}, {8, 8, 4, 4}}, dns)
}

func TestBeUint32DecodesBigEndian(t *testing.T) {
	assert.Equal(t, uint32(0x0a0b0c0d), beUint32([]byte{0x0a, 0x0b, 0x0c, 0x0d}))
}
