package signer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cajacentral/facturador/internal/domain"
)

func TestFormatConsecutive(t *testing.T) {
	got, err := FormatConsecutive("1", "1", domain.TypeInvoice, 42)
	require.NoError(t, err)
	assert.Equal(t, "00100001010000000042", got)
	assert.Len(t, got, 20)
}

func TestFormatConsecutive_PadsComponents(t *testing.T) {
	got, err := FormatConsecutive("002", "00003", domain.TypeTicket, 9999999999)
	require.NoError(t, err)
	assert.Equal(t, "00200003049999999999", got)
}

func TestFormatConsecutive_Rejects(t *testing.T) {
	tests := []struct {
		name     string
		branch   string
		terminal string
		docType  domain.DocumentType
		sequence int64
	}{
		{"branch too long", "1234", "00001", domain.TypeInvoice, 1},
		{"terminal too long", "001", "123456", domain.TypeInvoice, 1},
		{"bad doc type", "001", "00001", "99", 1},
		{"zero sequence", "001", "00001", domain.TypeInvoice, 0},
		{"sequence overflow", "001", "00001", domain.TypeInvoice, 10000000000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FormatConsecutive(tt.branch, tt.terminal, tt.docType, tt.sequence)
			require.Error(t, err)
			assert.Equal(t, domain.EVALIDATION, domain.ErrorCode(err))
		})
	}
}

func TestClave(t *testing.T) {
	issuedAt := time.Date(2026, time.March, 9, 14, 30, 0, 0, time.UTC)
	consecutive := "00100001010000000042"

	clave, err := Clave(issuedAt, "310123456789", consecutive, "12345678")
	require.NoError(t, err)

	assert.Len(t, clave, 50)
	assert.Equal(t, "506", clave[:3])
	assert.Equal(t, "090326", clave[3:9], "day month year")
	assert.Equal(t, "310123456789", clave[9:21])
	assert.Equal(t, consecutive, clave[21:41])
	assert.Equal(t, "1", clave[41:42])
	assert.Equal(t, "12345678", clave[42:])
}

func TestClave_PadsShortIssuerID(t *testing.T) {
	issuedAt := time.Date(2026, time.January, 2, 0, 0, 0, 0, time.UTC)

	clave, err := Clave(issuedAt, "109870654", "00100001010000000001", "00000001")
	require.NoError(t, err)
	assert.Len(t, clave, 50)
	assert.Equal(t, "000109870654", clave[9:21])
}

func TestClave_RejectsMalformedInputs(t *testing.T) {
	issuedAt := time.Now()

	_, err := Clave(issuedAt, "3101234567890", "00100001010000000001", "12345678")
	assert.Equal(t, domain.EVALIDATION, domain.ErrorCode(err))

	_, err = Clave(issuedAt, "310123456789", "short", "12345678")
	assert.Equal(t, domain.EVALIDATION, domain.ErrorCode(err))

	_, err = Clave(issuedAt, "310123456789", "00100001010000000001", "123")
	assert.Equal(t, domain.EVALIDATION, domain.ErrorCode(err))
}

func TestNewSecurityCode(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		code, err := NewSecurityCode()
		require.NoError(t, err)
		assert.Len(t, code, 8)
		assert.Regexp(t, `^\d{8}$`, code)
		seen[code] = true
	}
	// 20 draws from a 10^8 space colliding down to 1 value is effectively impossible
	assert.Greater(t, len(seen), 1)
}
