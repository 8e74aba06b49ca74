package sessionid

// KeyMangler derives backend keys from session ids so that independent
// deployments can share one backend.
type KeyMangler struct {
	Prefix string
	Suffix string
}

// Mangle returns Prefix + id + Suffix.
func (k KeyMangler) Mangle(id string) string {
	return k.Prefix + id + k.Suffix
}
