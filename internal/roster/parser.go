package roster

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/noah-isme/sma-migrate-api/internal/models"
)

// Roster is the parsed content of one uploaded workbook.
type Roster struct {
	SchoolPrefix string
	Students     []models.UserRecord
	Teachers     []models.UserRecord
	Classes      []models.ClassRecord
	Skipped      []RowError
}

// RowError records a row the parser could not accept.
type RowError struct {
	Sheet  string `json:"sheet"`
	Row    int    `json:"row"`
	Reason string `json:"reason"`
}

const (
	studentSheet = "Students"
	teacherSheet = "Teachers"

	defaultPassword = "123456"
)

// headerAliases maps localised and english column headers onto canonical
// field names. Matching is case-insensitive on the folded header text.
var headerAliases = map[string]string{
	"name":          "name",
	"full name":     "name",
	"ho va ten":     "name",
	"ho ten":        "name",
	"class":         "class",
	"lop":           "class",
	"phone":         "phone",
	"phone number":  "phone",
	"so dien thoai": "phone",
	"birth date":    "birthdate",
	"date of birth": "birthdate",
	"ngay sinh":     "birthdate",
	"password":      "password",
	"mat khau":      "password",
}

// Parse reads the student and teacher sheets of an uploaded workbook and
// derives the working set for a migration run. Rows missing a name are
// skipped with a recorded reason rather than failing the whole upload.
func Parse(data []byte, schoolPrefix string) (*Roster, error) {
	file, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer file.Close() //nolint:errcheck

	roster := &Roster{SchoolPrefix: schoolPrefix}

	students, skipped, err := parseSheet(file, studentSheet, schoolPrefix, models.UserKindStudent)
	if err != nil {
		return nil, err
	}
	roster.Students = students
	roster.Skipped = append(roster.Skipped, skipped...)

	if hasSheet(file, teacherSheet) {
		teachers, skipped, err := parseSheet(file, teacherSheet, schoolPrefix, models.UserKindTeacher)
		if err != nil {
			return nil, err
		}
		roster.Teachers = teachers
		roster.Skipped = append(roster.Skipped, skipped...)
	}

	roster.Classes = deriveClasses(schoolPrefix, roster.Students)
	return roster, nil
}

func parseSheet(file *excelize.File, sheet, schoolPrefix string, kind models.UserKind) ([]models.UserRecord, []RowError, error) {
	name := resolveSheetName(file, sheet, kind)
	if name == "" {
		if kind == models.UserKindStudent {
			return nil, nil, fmt.Errorf("workbook has no %s sheet", sheet)
		}
		return nil, nil, nil
	}

	rows, err := file.GetRows(name)
	if err != nil {
		return nil, nil, fmt.Errorf("read sheet %s: %w", name, err)
	}
	if len(rows) < 2 {
		return nil, nil, fmt.Errorf("sheet %s has no data rows", name)
	}

	columns := mapHeaders(rows[0])
	if _, ok := columns["name"]; !ok {
		return nil, nil, fmt.Errorf("sheet %s is missing a name column", name)
	}

	records := make([]models.UserRecord, 0, len(rows)-1)
	var skipped []RowError
	for i, row := range rows[1:] {
		rowNum := i + 2
		fullName := strings.TrimSpace(cell(row, columns, "name"))
		if fullName == "" {
			skipped = append(skipped, RowError{Sheet: name, Row: rowNum, Reason: "empty name"})
			continue
		}

		rec := models.UserRecord{
			Kind:        kind,
			Username:    DeriveUsername(schoolPrefix, fullName),
			DisplayName: fullName,
			Password:    strings.TrimSpace(cell(row, columns, "password")),
			ClassName:   strings.TrimSpace(cell(row, columns, "class")),
			PhoneNumber: strings.TrimSpace(cell(row, columns, "phone")),
		}
		if rec.Password == "" {
			rec.Password = defaultPassword
		}
		rec.Grade = gradeOf(rec.ClassName)
		if birth := strings.TrimSpace(cell(row, columns, "birthdate")); birth != "" {
			if age, ok := ageFromBirthDate(birth, time.Now()); ok {
				rec.Age = age
			} else {
				skipped = append(skipped, RowError{Sheet: name, Row: rowNum, Reason: "unparseable birth date: " + birth})
			}
		}
		records = append(records, rec)
	}
	return records, skipped, nil
}

func resolveSheetName(file *excelize.File, preferred string, kind models.UserKind) string {
	sheets := file.GetSheetList()
	for _, s := range sheets {
		if strings.EqualFold(s, preferred) {
			return s
		}
	}
	// Fall back to the first sheet for students so single-sheet workbooks
	// still import.
	if kind == models.UserKindStudent && len(sheets) > 0 {
		return sheets[0]
	}
	return ""
}

func hasSheet(file *excelize.File, name string) bool {
	for _, s := range file.GetSheetList() {
		if strings.EqualFold(s, name) {
			return true
		}
	}
	return false
}

func mapHeaders(header []string) map[string]int {
	columns := make(map[string]int, len(header))
	for i, raw := range header {
		key := strings.TrimSpace(strings.ToLower(FoldASCII(raw)))
		if canonical, ok := headerAliases[key]; ok {
			columns[canonical] = i
		}
	}
	return columns
}

func cell(row []string, columns map[string]int, field string) string {
	i, ok := columns[field]
	if !ok || i >= len(row) {
		return ""
	}
	return row[i]
}

// gradeOf extracts the leading grade number from a class name like "1A".
func gradeOf(className string) int {
	digits := ""
	for _, r := range className {
		if r < '0' || r > '9' {
			break
		}
		digits += string(r)
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0
	}
	return n
}

var birthDateLayouts = []string{"02/01/2006", "2/1/2006", "2006-01-02", "02-01-2006"}

func ageFromBirthDate(raw string, now time.Time) (int, bool) {
	for _, layout := range birthDateLayouts {
		birth, err := time.Parse(layout, raw)
		if err != nil {
			continue
		}
		age := now.Year() - birth.Year()
		if now.YearDay() < birth.YearDay() {
			age--
		}
		if age < 0 {
			return 0, false
		}
		return age, true
	}
	return 0, false
}

// deriveClasses collects the distinct classes referenced by students. The
// remote class name carries the school prefix in front of the grade+section
// label from the sheet.
func deriveClasses(schoolPrefix string, students []models.UserRecord) []models.ClassRecord {
	seen := make(map[string]*models.ClassRecord)
	order := make([]string, 0)
	for _, s := range students {
		if s.ClassName == "" {
			continue
		}
		key := strings.ToLower(s.ClassName)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = &models.ClassRecord{
			Name:       schoolPrefix + s.ClassName,
			SourceName: s.ClassName,
			Grade:      gradeOf(s.ClassName),
		}
		order = append(order, key)
	}
	sort.Strings(order)
	classes := make([]models.ClassRecord, 0, len(order))
	for _, key := range order {
		classes = append(classes, *seen[key])
	}
	return classes
}
