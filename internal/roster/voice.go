package roster

// DefaultVoice is the VOICEVOX speaker used for any name without a dedicated
// voice, including unknown speakers.
const DefaultVoice = "8"

// VoiceFor maps an assistant name to its VOICEVOX speaker number. The mapping
// is total: every name yields a voice.
func VoiceFor(name string) string {
	switch name {
	case "後藤":
		return "13"
	case "西村":
		return "20"
	case "山田":
		return "21"
	default:
		return DefaultVoice
	}
}
