package usecase

// SCA challenge levels, ordered by friction.
const (
	SCANone          = "NONE"
	SCAOTPSMS        = "OTP_SMS"
	SCABiometric     = "BIOMETRIC"
	SCAPush          = "PUSH_NOTIFICATION"
	SCAHardwareToken = "HARDWARE_TOKEN"
)

// SCALevel picks the strong-customer-authentication step-up for a decision.
// Low amounts are exempt, very high amounts always take the strongest
// factor, everything between follows the risk score.
func SCALevel(amount, score float64) string {
	switch {
	case amount < 30:
		return SCANone
	case amount > 10000:
		return SCAHardwareToken
	}
	switch {
	case score < 0.3:
		return SCANone
	case score < 0.5:
		return SCAOTPSMS
	case score < 0.7:
		return SCABiometric
	case score < 0.9:
		return SCAPush
	}
	return SCAHardwareToken
}
