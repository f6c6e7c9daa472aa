package collect

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"strconv"
	"time"

	"github.com/TobiSchelling/sourcetrace/internal/corpus"
)

// SeedOptions shapes a synthetic corpus: one source post with a video,
// an echo wave that follows it, and unrelated daily chatter.
type SeedOptions struct {
	EventPosts int
	DailyPosts int
	Location   string
	// Base is the start of the generated day; the source post lands 15
	// minutes after it.
	Base   time.Time
	Random uint64
}

const sourceOffset = 15 * time.Minute

var (
	sourceTemplate = "شوفوا وش صار اليوم عند المدرسة في %s المقطع كامل"

	echoTemplates = []string{
		"يا ساتر وش اللي صاير في %s! مضاربة عنيفة",
		"المقطع اللي منتشر عن %s صراحة مخيف.. شرطة وينكم؟",
		"انتشر فيديو مضاربة في %s والناس تتداوله بكثرة",
		"اللي صار في حي %s اليوم شي ما يصدق.. مشاجرة بالسلاح",
		"شوفوا المقطع اللي انتشر من %s.. عنف غير طبيعي",
		"مضاربة %s ترند الحين.. الله يستر",
		"حادثة %s صارت حديث الناس.. شرطة الرياض تباشر",
		"تداول واسع لمقطع مضاربة وقعت في حي %s",
		"مشاجرة عنيفة في %s والفيديو منتشر",
		"شفت الفيديو؟ %s صار فيها مضاربة شوارع قوية",
	}

	replyTemplates = []string{
		"يا ساتر وش ذا!!",
		"وينه مكان الحادثة؟",
		"الله يستر بس",
		"انشروا الفيديو لازم الناس تشوف",
		"شرطة وين انتوا؟!",
		"مخيف جداً",
		"هذا في اي حي بالضبط؟",
		"تم البلاغ ان شاء الله",
	}

	noiseTemplates = []string{
		"اهم شي الهلال فاز",
		"موسم الرياض نار هالسنة",
		"احد يعرف وين العروض الحين؟",
		"الجو حلو ماشاء الله",
		"مباراة الليلة مهمة جدا",
		"الحمدلله على كل حال",
		"صباح الخير للجميع",
		"متى اجازة نهاية الاسبوع؟",
	}

	dailyTemplates = []string{
		"قهوة الصباح ضرورية",
		"الدوام طويل ومتعب",
		"ودي اسافر بعد الاختبارات",
		"الانترنت بطيء",
		"اشتريت لابتوب جديد",
		"وش افضل جوال الحين؟",
		"تمرين الصباح خلص",
		"الذكاء الاصطناعي مستقبل",
		"طلبت عشاء من مطعم جديد",
		"احد جرب هالتطبيق قبل؟",
	}

	usernameBases = []string{
		"abu", "m7md", "sa3d", "fhd", "trki", "bdr", "nwf",
		"shadow", "storm", "falcon", "wolf", "gamer", "dev", "crypto",
	}
)

type seeder struct {
	rng  *rand.Rand
	base time.Time
	ids  map[string]bool
	out  []corpus.Post
}

// Seed generates a synthetic corpus. The same options always produce the
// same posts. Posts are returned in time order.
func Seed(opts SeedOptions) []corpus.Post {
	if opts.Location == "" {
		opts.Location = "النسيم"
	}
	if opts.Base.IsZero() {
		now := time.Now().UTC()
		opts.Base = time.Date(now.Year(), now.Month(), now.Day(), 14, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
	}
	s := &seeder{
		rng:  rand.New(rand.NewPCG(opts.Random, opts.Random^0x9e3779b97f4a7c15)),
		base: opts.Base,
		ids:  make(map[string]bool),
	}

	if opts.EventPosts > 0 {
		s.event(opts)
	}
	for i := 0; i < opts.DailyPosts; i++ {
		p := s.post(s.pick(dailyTemplates), s.rng.Float64()*1440, 0)
		if s.rng.Float64() < 0.15 {
			p.Media = []corpus.Media{{Type: "photo", URL: "https://pbs.example/img/" + p.ID + ".jpg"}}
		}
		s.out = append(s.out, p)
	}

	sort.SliceStable(s.out, func(i, j int) bool {
		return s.out[i].CreatedAt.Before(s.out[j].CreatedAt)
	})
	return s.out
}

func (s *seeder) event(opts SeedOptions) {
	source := s.post(fmt.Sprintf(sourceTemplate, opts.Location), sourceOffset.Minutes(), 0.25)
	source.Media = []corpus.Media{{Type: "video", URL: "https://video.example/" + source.ID + ".mp4"}}
	source.ConversationID = source.ID
	source.Metrics = corpus.Engagement{
		Reply:   100 + s.rng.IntN(400),
		Retweet: 200 + s.rng.IntN(800),
		Like:    500 + s.rng.IntN(1500),
	}
	s.out = append(s.out, source)

	early := opts.EventPosts * 5 / 100
	viral := opts.EventPosts * 80 / 100
	tail := opts.EventPosts - early - viral

	// Early adopters reply to the source or describe it.
	for i := 0; i < early; i++ {
		minutes := clamp(60+s.rng.NormFloat64()*20, 20, 115)
		if s.rng.Float64() < 0.6 {
			p := s.post(s.pick(replyTemplates), minutes, 0)
			p.ConversationID = source.ID
			s.out = append(s.out, p)
			continue
		}
		s.out = append(s.out, s.post(s.echo(opts.Location), minutes, 0))
	}

	// The viral wave, log-normally spread over the following hours.
	for i := 0; i < viral; i++ {
		minutes := clamp(120+math.Exp(2.5+0.7*s.rng.NormFloat64())*30, 120, 360)
		var text string
		if s.rng.Float64() < 0.7 {
			text = s.echo(opts.Location)
			if s.rng.Float64() < 0.3 {
				text += " #مضاربة_" + opts.Location
			}
		} else {
			text = s.pick(noiseTemplates)
		}
		s.out = append(s.out, s.post(text, minutes, 0))
	}

	// A long exponential tail for the rest of the day.
	for i := 0; i < tail; i++ {
		minutes := math.Min(360+s.rng.ExpFloat64()/0.01, 1439)
		text := s.pick(noiseTemplates)
		if s.rng.Float64() < 0.5 {
			text = s.echo(opts.Location)
		}
		s.out = append(s.out, s.post(text, minutes, 0))
	}
}

func (s *seeder) echo(location string) string {
	return fmt.Sprintf(s.pick(echoTemplates), location)
}

func (s *seeder) pick(list []string) string {
	return list[s.rng.IntN(len(list))]
}

// post builds a post offset minutes after base. A zero reliability draws
// one from [0.3, 0.95].
func (s *seeder) post(text string, minutes, reliability float64) corpus.Post {
	if reliability == 0 {
		reliability = math.Round((0.3+s.rng.Float64()*0.65)*100) / 100
	}
	id := s.id()
	userID := strconv.FormatInt(100000000+s.rng.Int64N(9900000000), 10)
	username := usernameBases[s.rng.IntN(len(usernameBases))] + strconv.Itoa(s.rng.IntN(1000))
	return corpus.Post{
		ID: id,
		Author: &corpus.Author{
			ID:               userID,
			Username:         username,
			DisplayName:      username,
			ReliabilityScore: reliability,
		},
		Text:           text,
		CreatedAt:      s.base.Add(time.Duration(minutes * float64(time.Minute))).Truncate(time.Millisecond),
		ConversationID: id,
		Metrics: corpus.Engagement{
			Reply:   s.rng.IntN(51),
			Retweet: s.rng.IntN(101),
			Like:    s.rng.IntN(201),
		},
	}
}

func (s *seeder) id() string {
	for {
		id := strconv.FormatInt(1700000000000000000+s.rng.Int64N(100000000000000000), 10)
		if !s.ids[id] {
			s.ids[id] = true
			return id
		}
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
