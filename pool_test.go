package cw

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCallsignLines(t *testing.T) {
	input := "\ufeffN1MM, test note\n# comment\n\nw1aw\nN1MM\n"
	calls, err := ParseCallsignLines(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, []string{"N1MM", "W1AW"}, calls)
}

func TestParseActiveParkRefsCSV(t *testing.T) {
	input := "reference,name,active\nUS-1234,Some Park,1\nUS-5678,Other Park,0\nUS-1234,Dup,1\n"
	refs, err := ParseActiveParkRefsCSV(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, []string{"US-1234"}, refs)
}

func TestParseActiveParkRefsCSVMissingColumn(t *testing.T) {
	input := "name,status\nSome Park,active\n"
	refs, err := ParseActiveParkRefsCSV(strings.NewReader(input))
	require.NoError(t, err)
	assert.Nil(t, refs)
}

func TestStaticPools(t *testing.T) {
	cp := NewStaticCallPool([]string{"K1ABC"})
	pp := NewStaticParkPool([]string{"US-0001"})
	assert.Equal(t, []string{"K1ABC"}, cp.Calls())
	assert.Equal(t, []string{"US-0001"}, pp.Refs())
}
