package buildinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSummaryCarriesVersionAndDate(t *testing.T) {
	assert.Contains(t, Summary(), Version)
	assert.Contains(t, Summary(), BuildDate)
}
