package event

var nativePlatforms = map[string]bool{
	"native": true,
	"c":      true,
	"cocoa":  true,
	"objc":   true,
	"swift":  true,
}

func IsNativePlatform(platform string) bool {
	return nativePlatforms[platform]
}

// IsNative reports whether the event, or any of its stack traces, carries native
// frames that need symbolication.
func (p *Payload) IsNative() bool {
	if IsNativePlatform(p.Platform) {
		return true
	}
	for _, st := range p.Stacktraces() {
		if IsNativePlatform(st.Platform) {
			return true
		}
		for _, f := range st.Frames {
			if IsNativePlatform(f.String("platform")) && f.InstructionAddr() != "" {
				return true
			}
		}
	}
	return false
}
