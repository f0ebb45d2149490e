package messenger

import (
	"fmt"

	"github.com/m3rciful/taxibot/internal/model"
)

// Text keys shown to drivers.
const (
	TextWelcome         = "welcome"
	TextWelcomeDriver   = "welcome_driver"
	TextRefreshStarted  = "refresh_started"
	TextRefreshOK       = "refresh_ok"
	TextRefreshFailed   = "refresh_failed"
	TextRefreshCooldown = "refresh_cooldown"
	TextNotRegistered   = "not_registered"
	TextBalance         = "balance"
	TextNoTrips         = "no_trips"
	TextInactivePrompt  = "inactive_prompt"
	TextInactiveOK      = "inactive_ok"
	TextInactiveHelp    = "inactive_help"
	TextInactiveAsk     = "inactive_ask"
	TextInactiveSent    = "inactive_sent"
	TextInactiveThanks  = "inactive_thanks"
	TextApproved        = "approved"
	TextRejected        = "rejected"
	TextError           = "error"
	TextUnknown         = "unknown"
)

var texts = map[string]map[string]string{
	model.LangUz: {
		TextWelcome:         "👋 Xush kelibsiz!\n\nRo'yxatdan o'tish uchun adminlarga murojaat qiling.",
		TextWelcomeDriver:   "👋 Xush kelibsiz, %s!",
		TextRefreshStarted:  "🔄 Ma'lumotlarni yangilash boshlandi...",
		TextRefreshOK:       "✅ Ma'lumotlar muvaffaqiyatli yangilandi!",
		TextRefreshFailed:   "❌ Ma'lumotlarni yangilashda xatolik yuz berdi. Qaytadan urinib ko'ring.",
		TextRefreshCooldown: "⏳ Siz allaqachon so'nggi 1 soat ichida ma'lumot yangiladingiz. Keyinroq qaytadan urinib ko'ring.",
		TextNotRegistered:   "⛔️ Siz haydovchi sifatida ro'yxatdan o'tmagansiz.",
		TextBalance:         "💰 Balans ma'lumotlari\n\nJoriy balans: %s so'm\nOxirgi sayohat: %s\nOxirgi sayohat summasi: %s so'm",
		TextNoTrips:         "—",
		TextInactivePrompt:  "❓ Salom! Oxirgi %d kun ichida sayohatingiz bo'lmadi.\nHamma narsa yaxshimi?",
		TextInactiveOK:      "✅ Ha, hammasi yaxshi",
		TextInactiveHelp:    "❌ Yo'q, muammo bor",
		TextInactiveAsk:     "Muammoni qisqacha yozing:",
		TextInactiveSent:    "✅ Xabaringiz adminlarga yuborildi. Tez orada siz bilan bog'lanamiz.",
		TextInactiveThanks:  "🙏 Rahmat! Omad yor bo'lsin.",
		TextApproved:        "🎉 Tabriklaymiz!\n\nSizning arizangiz tasdiqlandi.",
		TextRejected:        "❌ Arizangiz rad etildi\n\nSabab: %s\n\nIltimos, qaytadan urinib ko'ring.",
		TextError:           "❌ Xatolik yuz berdi. Qaytadan urinib ko'ring.",
		TextUnknown:         "🤷 Buyruq tushunarsiz. /refresh yoki /balance dan foydalaning.",
	},
	model.LangRu: {
		TextWelcome:         "👋 Добро пожаловать!\n\nДля регистрации обратитесь к администраторам.",
		TextWelcomeDriver:   "👋 Добро пожаловать, %s!",
		TextRefreshStarted:  "🔄 Обновление данных началось...",
		TextRefreshOK:       "✅ Данные успешно обновлены!",
		TextRefreshFailed:   "❌ Ошибка при обновлении данных. Попробуйте снова.",
		TextRefreshCooldown: "⏳ Вы уже обновляли данные за последний час. Попробуйте позже.",
		TextNotRegistered:   "⛔️ Вы не зарегистрированы как водитель.",
		TextBalance:         "💰 Информация о балансе\n\nТекущий баланс: %s сум\nПоследняя поездка: %s\nСумма последней поездки: %s сум",
		TextNoTrips:         "—",
		TextInactivePrompt:  "❓ Здравствуйте! У вас не было поездок последние %d дней.\nВсе в порядке?",
		TextInactiveOK:      "✅ Да, все хорошо",
		TextInactiveHelp:    "❌ Нет, есть проблема",
		TextInactiveAsk:     "Опишите проблему кратко:",
		TextInactiveSent:    "✅ Ваше сообщение отправлено админам. Мы свяжемся с вами в ближайшее время.",
		TextInactiveThanks:  "🙏 Спасибо! Удачи на дорогах.",
		TextApproved:        "🎉 Поздравляем!\n\nВаша заявка одобрена.",
		TextRejected:        "❌ Ваша заявка отклонена\n\nПричина: %s\n\nПожалуйста, попробуйте снова.",
		TextError:           "❌ Произошла ошибка. Попробуйте снова.",
		TextUnknown:         "🤷 Неизвестная команда. Используйте /refresh или /balance.",
	},
}

// T renders the text for key in lang, falling back to Uzbek.
func T(lang, key string, args ...any) string {
	table, ok := texts[lang]
	if !ok {
		table = texts[model.LangUz]
	}
	s, ok := table[key]
	if !ok {
		s = texts[model.LangUz][key]
	}
	if len(args) == 0 {
		return s
	}
	return fmt.Sprintf(s, args...)
}
