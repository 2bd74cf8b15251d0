package utils

// MaskSecret keeps the first four characters of a credential for logs.
func MaskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "*****"
	}
	return s[:4] + "*****"
}
