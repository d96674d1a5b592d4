// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package debate

import (
	"regexp"
	"sort"
	"strings"
)

// Citation is one recognized guideline reference, resolved to a canonical
// organization code and URL.
type Citation struct {
	Text   string `json:"text"`
	URL    string `json:"url"`
	Source string `json:"source"`
}

// guidelineURLs maps canonical organization codes, including disease-specific
// sub-codes, to their guideline URLs.
var guidelineURLs = map[string]string{
	"WHO_MENINGITIS":    "https://www.who.int/publications/i/item/9789240108042",
	"WHO_TB":            "https://www.ncbi.nlm.nih.gov/books/NBK607290/",
	"WHO_HEPATITIS_B":   "https://www.who.int/publications/i/item/9789240090903",
	"WHO":               "https://www.who.int/publications/i/",
	"CDC_SEPSIS":        "https://www.cdc.gov/sepsis/hcp/core-elements/index.html",
	"CDC_LEGIONELLA":    "https://www.cdc.gov/legionella/hcp/clinical-guidance/index.html",
	"CDC_RESPIRATORY":   "https://www.cdc.gov/respiratory-viruses/guidance/index.html",
	"CDC":               "https://www.cdc.gov/",
	"USPSTF_BREAST":     "https://www.uspreventiveservicestaskforce.org/uspstf/recommendation/breast-cancer-screening",
	"USPSTF_COLORECTAL": "https://www.uspreventiveservicestaskforce.org/uspstf/recommendation/colorectal-cancer-screening",
	"USPSTF_DIABETES":   "https://www.uspreventiveservicestaskforce.org/uspstf/recommendation/screening-for-prediabetes-and-type-2-diabetes",
	"USPSTF_CARDIO":     "https://www.uspreventiveservicestaskforce.org/uspstf/recommendation/statin-use-in-adults-preventive-medication",
	"USPSTF":            "https://www.uspreventiveservicestaskforce.org/uspstf/recommendation-topics",
	"PMC":               "https://pmc.ncbi.nlm.nih.gov/articles/PMC7112285/",
	"PubMed":            "https://pmc.ncbi.nlm.nih.gov/articles/PMC7112285/",
	"IDSA":              "https://www.idsociety.org/practice-guideline/community-acquired-pneumonia-cap-in-adults/",
	"ATS":               "https://www.thoracic.org/practice-guidelines/",
	"ATS/IDSA":          "https://www.idsociety.org/practice-guideline/community-acquired-pneumonia-cap-in-adults/",
	"BTS":               "https://www.brit-thoracic.org.uk/document-library/guidelines/pneumonia-adults/",
	"SCCM":              "https://www.sccm.org/survivingsepsiscampaign/guidelines-and-resources/",
	"ESICM":             "https://www.esicm.org/guidelines/",
	"SSC":               "https://www.sccm.org/survivingsepsiscampaign/guidelines-and-resources/",
	"NCCN":              "https://www.nccn.org/guidelines/",
	"ASCO":              "https://www.asco.org/practice-patients/guidelines",
	"ESMO":              "https://www.esmo.org/guidelines",
	"AAD_MELANOMA":      "https://www.guidelinecentral.com/guideline/21823/",
	"AAD":               "https://www.aad.org/clinical-guidelines",
	"ACR":               "https://www.acr.org/Clinical-Resources/ACR-Appropriateness-Criteria",
	"ADA":               "https://professional.diabetes.org/guidelines-recommendations",
	"AHA":               "https://professional.heart.org/guidelines-and-statements",
	"ACC":               "https://www.acc.org/guidelines",
	"CHEST":             "https://www.chestnet.org/guidelines-and-research",
	"NICE":              "https://www.nice.org.uk/guidance",
}

// orgAlias maps a verbose organization name, uppercased, to its code.
// Order matters: the most specific names come first so "WHO TB" resolves
// before plain "WORLD HEALTH ORGANIZATION".
type orgAlias struct {
	alias string
	code  string
}

var orgAliases = []orgAlias{
	{"WORLD HEALTH ORGANIZATION MENINGITIS", "WHO_MENINGITIS"},
	{"WHO MENINGITIS", "WHO_MENINGITIS"},
	{"WORLD HEALTH ORGANIZATION TB", "WHO_TB"},
	{"WORLD HEALTH ORGANIZATION TUBERCULOSIS", "WHO_TB"},
	{"WHO TB", "WHO_TB"},
	{"WORLD HEALTH ORGANIZATION HEPATITIS B", "WHO_HEPATITIS_B"},
	{"WHO HEPATITIS B", "WHO_HEPATITIS_B"},
	{"CDC SEPSIS", "CDC_SEPSIS"},
	{"CDC HOSPITAL SEPSIS", "CDC_SEPSIS"},
	{"CDC LEGIONELLA", "CDC_LEGIONELLA"},
	{"CDC RESPIRATORY", "CDC_RESPIRATORY"},
	{"CDC RESPIRATORY VIRUS", "CDC_RESPIRATORY"},
	{"US PREVENTIVE SERVICES TASK FORCE BREAST", "USPSTF_BREAST"},
	{"USPSTF BREAST", "USPSTF_BREAST"},
	{"USPSTF COLORECTAL", "USPSTF_COLORECTAL"},
	{"USPSTF DIABETES", "USPSTF_DIABETES"},
	{"USPSTF STATIN", "USPSTF_CARDIO"},
	{"USPSTF CARDIOVASCULAR", "USPSTF_CARDIO"},
	{"AAD MELANOMA", "AAD_MELANOMA"},
	{"AMERICAN ACADEMY OF DERMATOLOGY MELANOMA", "AAD_MELANOMA"},
	{"PUBMED CENTRAL", "PMC"},
	{"BRITISH THORACIC SOCIETY", "BTS"},
	{"INFECTIOUS DISEASES SOCIETY OF AMERICA", "IDSA"},
	{"AMERICAN THORACIC SOCIETY", "ATS"},
	{"CENTERS FOR DISEASE CONTROL", "CDC"},
	{"CENTER FOR DISEASE CONTROL", "CDC"},
	{"SURVIVING SEPSIS CAMPAIGN", "SSC"},
	{"SOCIETY OF CRITICAL CARE MEDICINE", "SCCM"},
	{"EUROPEAN SOCIETY OF INTENSIVE CARE MEDICINE", "ESICM"},
	{"US PREVENTIVE SERVICES TASK FORCE", "USPSTF"},
	{"WORLD HEALTH ORGANIZATION", "WHO"},
}

const (
	orgCodes = `WHO_MENINGITIS|WHO_HEPATITIS_B|WHO_TB|CDC_LEGIONELLA|CDC_RESPIRATORY|CDC_SEPSIS|USPSTF_COLORECTAL|USPSTF_DIABETES|USPSTF_CARDIO|USPSTF_BREAST|AAD_MELANOMA|USPSTF|SCCM|ESICM|CHEST|NCCN|ASCO|ESMO|AAD|ACR|ADA|AHA|ACC|IDSA|CDC|ATS|WHO|NICE|BTS|PMC|PubMed|SSC`
	comboOrgs = `ATS/IDSA|ACC/AHA|Surviving Sepsis Campaign`
)

var citationPatterns = buildCitationPatterns()

// buildCitationPatterns compiles the five pattern families in priority
// order: full parenthetical citation, attribution phrase, bare "(ORG Year)",
// then alias variants of the first two.
func buildCitationPatterns() []*regexp.Regexp {
	aliasNames := make([]string, len(orgAliases))
	for i, a := range orgAliases {
		aliasNames[i] = regexp.QuoteMeta(a.alias)
	}
	aliases := strings.Join(aliasNames, "|")
	orgs := comboOrgs + "|" + orgCodes

	return []*regexp.Regexp{
		regexp.MustCompile(`(?i)\((?:the\s+)?(` + orgs + `)\b[^)]{0,150}?(?:Guidelines?|Consensus\s+Guidelines|Standards?|Appropriateness\s+Criteria|recommendations?|guidance|Criteria|Statements?)\b[^)]{0,100}?\d{4}[^)]{0,10}?\)`),
		regexp.MustCompile(`(?i)(?:According to|Per|Based on|Following)\s+(?:the\s+)?(` + orgs + `)\b[^,.]{0,100}?(?:Guidelines?|Standards?|recommendations?|guidance|criteria)[^,.]{0,60}?\d{4}`),
		regexp.MustCompile(`(?i)\((` + orgs + `)[/,\s]+\d{4}\)`),
		regexp.MustCompile(`(?i)\((?:the\s+)?(` + aliases + `)[^)]*?\d{4}[^)]*?\)`),
		regexp.MustCompile(`(?i)(?:According to|Per|Based on|Following)\s+(?:the\s+)?(` + aliases + `)[^,.]{0,100}?\d{4}`),
	}
}

var (
	attributionPrefixPattern = regexp.MustCompile(`(?i)^\(?\s*(?:According to the|Per the|Based on the)\s+`)
	yearPattern              = regexp.MustCompile(`\d{4}`)
)

// diabetesTopicWords and dermatologyTopicWords disambiguate the easily
// confused ADA/AAD codes by surrounding clinical topic.
var (
	diabetesTopicWords    = []string{"DIABET", "GLYCEMIC", "A1C", "INSULIN", "GLUCOSE"}
	dermatologyTopicWords = []string{"MELANOMA", "DERMATOLOG", "SKIN", "LESION"}
)

// ExtractCitations finds guideline citations in generated text and resolves
// each to a canonical organization code and URL.
//
// Description:
//
//	Five pattern families run in priority order; a later pattern skips any
//	span overlapping an earlier match. Each matched span is resolved via
//	alias lookup, then compound-code detection, then topic disambiguation
//	for ambiguous short codes, then a longest-code-first fallback scan.
//	Duplicates collapse on (source, year) after stripping attribution
//	prefixes. The text itself is returned unmodified.
func ExtractCitations(text string) (string, []Citation) {
	type span struct{ start, end int }
	var spans []span
	type match struct {
		span span
		text string
	}
	var matches []match

	for _, pattern := range citationPatterns {
		for _, loc := range pattern.FindAllStringIndex(text, -1) {
			s := span{loc[0], loc[1]}
			overlap := false
			for _, existing := range spans {
				if s.start < existing.end && s.end > existing.start {
					overlap = true
					break
				}
			}
			if overlap {
				continue
			}
			spans = append(spans, s)
			matches = append(matches, match{s, text[s.start:s.end]})
		}
	}

	citations := make([]Citation, 0, len(matches))
	for _, m := range matches {
		source, url := resolveSource(m.text)
		citations = append(citations, Citation{Text: m.text, URL: url, Source: source})
	}

	seen := make(map[string]bool, len(citations))
	unique := citations[:0]
	for _, c := range citations {
		key := citationKey(c)
		if seen[key] {
			continue
		}
		seen[key] = true
		unique = append(unique, c)
	}
	return text, unique
}

// resolveSource maps a matched citation span to a canonical code and URL.
func resolveSource(citation string) (string, string) {
	upper := strings.ToUpper(citation)

	for _, a := range orgAliases {
		if strings.Contains(upper, a.alias) {
			return a.code, guidelineURLs[a.code]
		}
	}

	if strings.Contains(upper, "ATS/IDSA") ||
		(strings.Contains(upper, "ATS") && strings.Contains(upper, "IDSA")) {
		return "ATS/IDSA", guidelineURLs["ATS/IDSA"]
	}

	if code := disambiguateTopic(upper); code != "" {
		return code, guidelineURLs[code]
	}

	// Longest codes first so sub-codes like WHO_TB win over their parents.
	for _, code := range sortedCodes {
		if strings.Contains(upper, strings.ToUpper(code)) {
			return code, guidelineURLs[code]
		}
	}
	return "Unknown", ""
}

// disambiguateTopic resolves the ADA (diabetes) vs AAD (dermatology)
// confusion using surrounding clinical keywords. Models transpose these
// codes often enough that the literal code alone is not trustworthy.
func disambiguateTopic(upper string) string {
	hasADA := containsWord(upper, "ADA")
	hasAAD := containsWord(upper, "AAD")
	if !hasADA && !hasAAD {
		return ""
	}
	for _, w := range diabetesTopicWords {
		if strings.Contains(upper, w) {
			return "ADA"
		}
	}
	for _, w := range dermatologyTopicWords {
		if strings.Contains(upper, w) {
			if hasAAD || hasADA {
				return "AAD"
			}
		}
	}
	return ""
}

func containsWord(upper, word string) bool {
	idx := 0
	for {
		i := strings.Index(upper[idx:], word)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(word)
		beforeOK := start == 0 || !isAlnum(upper[start-1])
		afterOK := end == len(upper) || !isAlnum(upper[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isAlnum(c byte) bool {
	return c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '_'
}

var sortedCodes = codesByLength()

func codesByLength() []string {
	codes := make([]string, 0, len(guidelineURLs))
	for code := range guidelineURLs {
		codes = append(codes, code)
	}
	sort.Slice(codes, func(i, j int) bool {
		if len(codes[i]) != len(codes[j]) {
			return len(codes[i]) > len(codes[j])
		}
		return codes[i] < codes[j]
	})
	return codes
}

// citationKey normalizes a citation for deduplication: attribution prefixes
// are stripped and the first four-digit year is taken.
func citationKey(c Citation) string {
	text := attributionPrefixPattern.ReplaceAllString(c.Text, "")
	return c.Source + ":" + yearPattern.FindString(text)
}
