// Package analyze turns the vision model's semi-structured answer into a
// validated set of calendar dates. Parsing never fails hard: a malformed
// response degrades to a regex fallback and, at worst, an empty result.
package analyze

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Confidence levels reported by the model for the year/month header and for
// each detected mark.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
	ConfidenceNone   = "none"
)

// Context is the year/month the model read off the calendar header. It is
// authoritative for validating day numbers; without it no mark is actionable.
type Context struct {
	Year       int
	Month      int
	Confidence string
	SourceText string
}

// RejectReason classifies why a detected mark was excluded from the result.
type RejectReason string

const (
	RejectLowConfidence RejectReason = "low_confidence"
	RejectDayRange      RejectReason = "day_out_of_range"
	RejectInvalidDate   RejectReason = "invalid_date"
	RejectOtherMonth    RejectReason = "other_month"
	RejectGhostCell     RejectReason = "ghost_cell"
)

// Rejection records one excluded candidate for audit logging.
type Rejection struct {
	Day      int
	Reason   RejectReason
	Location string
}

// Result is the outcome of parsing one image's analysis text.
type Result struct {
	Context  Context
	Dates    []string // ISO dates, deduplicated, chronological
	Rejected []Rejection
	Fallback bool // true when the regex fallback produced the dates
}

// modelResponse mirrors the JSON contract the vision prompt requests.
type modelResponse struct {
	CalendarInfo calendarInfo `json:"calendar_info"`
	FoundDates   []foundDate  `json:"found_dates"`
}

type calendarInfo struct {
	DetectedYear        *int   `json:"detected_year"`
	DetectedMonth       *int   `json:"detected_month"`
	YearMonthText       string `json:"year_month_text"`
	DetectionConfidence string `json:"detection_confidence"`
	Location            string `json:"location"`
}

type foundDate struct {
	Day         int    `json:"day"`
	Confidence  string `json:"confidence"`
	Description string `json:"description"`
	Location    string `json:"location"`
}

var (
	// A 1-2 digit day adjacent to the mark glyph, directly or wrapped in
	// parentheses/brackets, e.g. "28田" or "28(田)".
	fallbackDayExpr = regexp.MustCompile(`(\d{1,2})(?:\D*田|\D*[([]\D*田\D*[)\]])`)

	// Best-effort year/month recovery from free text when JSON decoding failed.
	yearMonthTextExpr = regexp.MustCompile(`(\d{4})年\s*(\d{1,2})月`)
	detectedYearExpr  = regexp.MustCompile(`"detected_year"\s*:\s*"?(\d{4})`)
	detectedMonthExpr = regexp.MustCompile(`"detected_month"\s*:\s*"?(\d{1,2})`)
	locationMonthExpr = regexp.MustCompile(`(\d{1,2})月\d{1,2}日`)
)

// ghostKeywords mark adjacent-month day cells rendered in reduced contrast.
// The source calendars use grey backgrounds or knocked-out digits for them.
var ghostKeywords = []string{"グレー", "白抜き", "薄い", "grey", "whiteout", "faint"}

// Parser validates model responses into calendar dates.
type Parser struct {
	logger *slog.Logger
}

// NewParser returns a Parser. A nil logger falls back to slog.Default.
func NewParser(logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{logger: logger}
}

// Parse extracts validated ISO dates from responseText. It first decodes the
// embedded JSON object; when that fails structurally it scans the raw text for
// day numbers next to the mark glyph. Both paths require a trustworthy
// year/month, otherwise the result is empty.
func (p *Parser) Parse(responseText string) Result {
	raw, ok := extractJSONObject(responseText)
	if ok {
		var resp modelResponse
		if err := json.Unmarshal([]byte(raw), &resp); err == nil {
			return p.fromStructured(resp)
		}
		p.logger.Warn("structured decode failed, using fallback scan",
			"snippet", truncate(responseText, 120))
	} else {
		p.logger.Warn("no JSON object in response, using fallback scan",
			"snippet", truncate(responseText, 120))
	}

	return p.fromFallback(responseText)
}

func (p *Parser) fromStructured(resp modelResponse) Result {
	res := Result{}

	info := resp.CalendarInfo
	if info.DetectedYear == nil || info.DetectedMonth == nil {
		p.logger.Warn("year/month missing from calendar_info, discarding detections",
			"year_month_text", info.YearMonthText)
		res.Context = Context{Confidence: ConfidenceNone, SourceText: info.YearMonthText}
		return res
	}

	res.Context = Context{
		Year:       *info.DetectedYear,
		Month:      *info.DetectedMonth,
		Confidence: normalizeConfidence(info.DetectionConfidence),
		SourceText: info.YearMonthText,
	}

	seen := map[string]struct{}{}
	for _, fd := range resp.FoundDates {
		if reason, rejected := p.vet(res.Context, fd); rejected {
			res.Rejected = append(res.Rejected, Rejection{Day: fd.Day, Reason: reason, Location: fd.Location})
			continue
		}
		iso := isoDate(res.Context.Year, res.Context.Month, fd.Day)
		if _, dup := seen[iso]; dup {
			continue
		}
		seen[iso] = struct{}{}
		res.Dates = append(res.Dates, iso)
		p.logger.Info("mark accepted", "date", iso, "confidence", fd.Confidence, "location", fd.Location)
	}

	sort.Strings(res.Dates)
	return res
}

// vet applies the exclusion rules to one found_dates entry. Rejections are
// conservative: under-detection is preferred over writing a false positive
// into a shared calendar.
func (p *Parser) vet(ctx Context, fd foundDate) (RejectReason, bool) {
	if fd.Confidence != ConfidenceHigh && fd.Confidence != ConfidenceMedium {
		p.logger.Info("mark rejected: low confidence", "day", fd.Day, "confidence", fd.Confidence)
		return RejectLowConfidence, true
	}
	if fd.Day < 1 || fd.Day > 31 {
		p.logger.Info("mark rejected: day out of range", "day", fd.Day)
		return RejectDayRange, true
	}
	if !validDate(ctx.Year, ctx.Month, fd.Day) {
		p.logger.Info("mark rejected: not a real date", "year", ctx.Year, "month", ctx.Month, "day", fd.Day)
		return RejectInvalidDate, true
	}
	if m, found := monthInLocation(fd.Location); found && m != ctx.Month {
		p.logger.Info("mark rejected: adjacent-month cell", "day", fd.Day, "location_month", m, "calendar_month", ctx.Month)
		return RejectOtherMonth, true
	}
	if isGhostCell(fd.Location) {
		p.logger.Info("mark rejected: ghost cell", "day", fd.Day, "location", fd.Location)
		return RejectGhostCell, true
	}
	return "", false
}

func (p *Parser) fromFallback(text string) Result {
	res := Result{Fallback: true}

	year, month, ok := recoverYearMonth(text)
	if !ok {
		p.logger.Warn("fallback could not recover year/month, discarding detections")
		res.Context = Context{Confidence: ConfidenceNone}
		return res
	}
	res.Context = Context{Year: year, Month: month, Confidence: ConfidenceLow}

	seen := map[string]struct{}{}
	for _, m := range fallbackDayExpr.FindAllStringSubmatch(text, -1) {
		day, err := strconv.Atoi(m[1])
		if err != nil || day < 1 || day > 31 {
			continue
		}
		if !validDate(year, month, day) {
			res.Rejected = append(res.Rejected, Rejection{Day: day, Reason: RejectInvalidDate})
			p.logger.Info("fallback rejected: not a real date", "year", year, "month", month, "day", day)
			continue
		}
		iso := isoDate(year, month, day)
		if _, dup := seen[iso]; dup {
			continue
		}
		seen[iso] = struct{}{}
		res.Dates = append(res.Dates, iso)
		p.logger.Info("fallback mark accepted", "date", iso)
	}

	sort.Strings(res.Dates)
	return res
}

// extractJSONObject locates the first top-level JSON object embedded in text,
// from the first '{' to the last '}'.
func extractJSONObject(text string) (string, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return text[start : end+1], true
}

// recoverYearMonth pulls a year/month pair out of free text, trying the
// Japanese header form first and then the JSON field fragments.
func recoverYearMonth(text string) (year, month int, ok bool) {
	if m := yearMonthTextExpr.FindStringSubmatch(text); m != nil {
		year, _ = strconv.Atoi(m[1])
		month, _ = strconv.Atoi(m[2])
	} else {
		ym := detectedYearExpr.FindStringSubmatch(text)
		mm := detectedMonthExpr.FindStringSubmatch(text)
		if ym == nil || mm == nil {
			return 0, 0, false
		}
		year, _ = strconv.Atoi(ym[1])
		month, _ = strconv.Atoi(mm[1])
	}
	if year < 1 || month < 1 || month > 12 {
		return 0, 0, false
	}
	return year, month, true
}

// monthInLocation extracts a month number when the location text names a
// specific date like "9月16日".
func monthInLocation(location string) (int, bool) {
	m := locationMonthExpr.FindStringSubmatch(location)
	if m == nil {
		return 0, false
	}
	month, err := strconv.Atoi(m[1])
	if err != nil || month < 1 || month > 12 {
		return 0, false
	}
	return month, true
}

func isGhostCell(location string) bool {
	lower := strings.ToLower(location)
	for _, kw := range ghostKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// validDate reports whether (year, month, day) is a real calendar date.
// time.Date normalizes overflow (Feb 30 becomes Mar 2), so a changed day or
// month after construction means the input was invalid.
func validDate(year, month, day int) bool {
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	return t.Year() == year && int(t.Month()) == month && t.Day() == day
}

func isoDate(year, month, day int) string {
	return fmt.Sprintf("%04d-%02d-%02d", year, month, day)
}

func normalizeConfidence(c string) string {
	switch strings.ToLower(strings.TrimSpace(c)) {
	case ConfidenceHigh:
		return ConfidenceHigh
	case ConfidenceMedium:
		return ConfidenceMedium
	case ConfidenceLow:
		return ConfidenceLow
	default:
		return ConfidenceLow
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
