package fingerprint

// arabicStopWords covers prepositions, pronouns, conjunctions, particles,
// copulas, Gulf dialect fillers and platform noise ("rt", "via").
var arabicStopWords = []string{
	"في", "من", "على", "إلى", "الى", "عن", "مع", "بين", "حتى", "منذ",
	"خلال", "عند", "لدى", "ضد", "نحو", "فوق", "تحت", "أمام", "وراء",
	"أنا", "انا", "أنت", "انت", "أنتم", "انتم", "هو", "هي", "هم", "هن",
	"نحن", "انتي", "أنتي", "هذا", "هذه", "ذلك", "تلك", "هؤلاء", "أولئك",
	"أو", "او", "ثم", "لكن", "بل", "لأن", "لان", "إذا", "اذا",
	"لو", "كي", "حين", "عندما", "بينما", "كما", "مثل", "إن", "ان", "أن",
	"ال", "لا", "لم", "لن", "ما", "قد", "سوف", "كل",
	"بعض", "كثير", "قليل", "جدا", "فقط", "أيضا", "ايضا",
	"كان", "كانت", "يكون", "تكون", "كانوا", "يكونون", "هناك",
	"صار", "أصبح", "اصبح", "بات", "ظل", "مازال",
	"وش", "ايش", "ليش", "كيف", "متى", "وين", "منو", "شنو",
	"مو", "مب", "بس", "يعني", "طيب", "زين", "اوكي", "خلاص",
	"اللي", "اللى", "الي", "اله", "له", "لها", "لهم", "عليه", "عليها",
	"فيه", "فيها", "منه", "منها", "بعد", "قبل",
	"يا", "ياء", "آه", "اه", "والله", "هاه",
	"الله", "الناس", "اليوم", "الحين", "شي", "اكثر", "كلام",
	"rt", "via", "cc", "dm",
}

var englishStopWords = []string{
	"the", "an", "is", "are", "was", "were", "be", "been", "being", "have", "has",
	"had", "do", "does", "did", "will", "would", "could", "should", "may", "might",
	"can", "shall", "to", "of", "in", "for", "on", "with", "at", "by", "from", "as",
	"into", "through", "during", "before", "after", "above", "below", "and", "but",
	"or", "nor", "not", "so", "yet", "both", "either", "neither", "each", "every",
	"all", "any", "few", "more", "most", "other", "some", "such", "no", "only",
	"own", "same", "than", "too", "very", "just", "how", "what", "which", "who",
	"whom", "this", "that", "these", "those", "it", "its", "about", "up", "out",
	"also", "like", "get", "we", "you", "they", "he", "she", "our", "your", "their",
	"his", "her", "my", "me", "us", "them", "if", "then", "there", "here", "now",
	"amp",
}

func defaultStopWords() map[string]bool {
	stop := make(map[string]bool, len(arabicStopWords)+len(englishStopWords))
	for _, w := range arabicStopWords {
		stop[w] = true
	}
	for _, w := range englishStopWords {
		stop[w] = true
	}
	return stop
}
