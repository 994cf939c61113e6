package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMaskFieldRedactsSecrets(t *testing.T) {
	attr := MaskField("code", "123456")
	require.Equal(t, RedactedValue, attr.Value.String())

	attr = MaskField("OTP", "654321")
	require.Equal(t, RedactedValue, attr.Value.String())
}

func TestMaskFieldPassesThroughNonSecrets(t *testing.T) {
	attr := MaskField("paymentId", "PAY_1_abc")
	require.Equal(t, "PAY_1_abc", attr.Value.String())

	attr = MaskField("code", "")
	require.Equal(t, "", attr.Value.String())
}
