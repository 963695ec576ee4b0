package indicator

import "strings"

type locale string

const (
	localeEnglish locale = "en"
	localeChinese locale = "zh"
)

type messages struct {
	code      string
	portal    string
	activated string
	failed    string
}

// resolveLocale reads a BCP 47 tag or POSIX locale; anything unknown is English.
func resolveLocale(raw string) locale {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if strings.HasPrefix(raw, "zh") {
		return localeChinese
	}
	return localeEnglish
}

func messagesFor(tag locale) messages {
	switch tag {
	case localeChinese:
		return messages{
			code:      "激活码 %s",
			portal:    "请在 %s 输入激活码",
			activated: "设备已激活",
			failed:    "设备激活失败",
		}
	default:
		return messages{
			code:      "Activation code %s",
			portal:    "Enter it at %s",
			activated: "Device activated",
			failed:    "Activation failed",
		}
	}
}
