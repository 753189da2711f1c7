package i18n

import "strings"

// Locales other than "en" look messages up here; unknown messages fall back
// to the English text.
var translations = map[string]map[string]string{
	"fa": {
		"could not load conversation":   "خطا در دریافت پیام ها",
		"could not send message":        "خطا در ارسال پیام",
		"could not upload audio":        "خطا در ارسال پیام صوتی",
		"could not upload media":        "خطا در ارسال فایل",
		"could not load contacts":       "خطا در دریافت کاربران",
		"select a conversation first":   "ابتدا یک مکالمه را انتخاب کنید",
		"message is empty":              "پیام خالی است",
		"microphone unavailable":        "دسترسی به میکروفون ممکن نیست",
		"call failed":                   "برقراری تماس ناموفق بود",
		"call ended":                    "تماس پایان یافت",
		"call declined":                 "تماس رد شد",
		"no answer":                     "پاسخی دریافت نشد",
		"already in a call":             "در حال حاضر در تماس هستید",
		"no incoming call":              "تماس ورودی وجود ندارد",
		"incoming call":                 "تماس ورودی",
		"connection lost, reconnecting": "اتصال قطع شد، در حال اتصال مجدد",
		"connected":                     "متصل شد",

		"cannot start a conversation with yourself": "نمی توانید با خودتان مکالمه ایجاد کنید",
	},
}

var prefixTranslations = map[string]map[string]string{
	"fa": {
		"unauthorized":    "دسترسی غیرمجاز",
		"rate limit":      "تعداد درخواست ها بیش از حد مجاز است",
		"request failed:": "خطا در ارتباط با سرور",
		"file too large":  "حجم فایل بیش از حد مجاز است",
	},
}

// Translate returns message in the given locale.
func Translate(locale, message string) string {
	table, ok := translations[locale]
	if !ok {
		return message
	}
	if translated, ok := table[message]; ok {
		return translated
	}
	for prefix, translated := range prefixTranslations[locale] {
		if strings.HasPrefix(message, prefix) {
			return translated
		}
	}
	return message
}

// Translator binds a locale.
type Translator string

func (t Translator) T(message string) string {
	return Translate(string(t), message)
}
