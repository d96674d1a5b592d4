// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestFormatContext_Empty(t *testing.T) {
	if got := FormatContext(nil); got != "" {
		t.Errorf("FormatContext(nil) = %q, want empty", got)
	}
	if got := FormatContext([]RetrievedChunk{}); got != "" {
		t.Errorf("FormatContext(empty) = %q, want empty", got)
	}
}

func TestFormatContext(t *testing.T) {
	chunks := []RetrievedChunk{
		{
			Content:      "Empiric antibiotics within one hour of recognition.",
			Title:        "Surviving Sepsis Campaign",
			Organization: "SCCM",
			Topic:        "sepsis",
			SourceURL:    "https://www.sccm.org/survivingsepsiscampaign/guidelines-and-resources/",
			Distance:     0.42,
		},
		{
			Content:      "Reassess lactate if initially elevated.",
			Title:        "Sepsis Core Elements",
			Organization: "CDC",
			Topic:        "sepsis",
			SourceURL:    "https://www.cdc.gov/sepsis/hcp/core-elements/index.html",
			Distance:     0.88,
		},
	}

	got := FormatContext(chunks)

	if !strings.Contains(got, "[RETRIEVED CLINICAL GUIDELINES - START]") {
		t.Error("start marker missing")
	}
	if !strings.Contains(got, "[RETRIEVED CLINICAL GUIDELINES - END]") {
		t.Error("end marker missing")
	}
	if !strings.Contains(got, "[Guideline 1]") || !strings.Contains(got, "[Guideline 2]") {
		t.Errorf("chunks not numbered:\n%s", got)
	}
	if !strings.Contains(got, "Source: SCCM - Surviving Sepsis Campaign") {
		t.Errorf("source line missing:\n%s", got)
	}
	if !strings.Contains(got, "Empiric antibiotics within one hour of recognition.") {
		t.Error("chunk content missing")
	}
	if !strings.Contains(got, "Cite specific recommendations") {
		t.Error("citation instruction missing")
	}
	// Start marker precedes content, end marker follows it.
	start := strings.Index(got, "[RETRIEVED CLINICAL GUIDELINES - START]")
	end := strings.Index(got, "[RETRIEVED CLINICAL GUIDELINES - END]")
	content := strings.Index(got, "Empiric antibiotics")
	if !(start < content && content < end) {
		t.Errorf("marker ordering wrong (start %d, content %d, end %d)", start, content, end)
	}
}

func TestGuidelineResponseDecoding(t *testing.T) {
	// Shape of the GraphQL data block the vector store returns.
	raw := `{
  "Get": {
    "Guideline": [
      {
        "content": "Empiric antibiotics within one hour.",
        "title": "Surviving Sepsis Campaign",
        "organization": "SCCM",
        "topic": "sepsis",
        "source_url": "https://example.org/ssc",
        "_additional": {"distance": 0.42}
      }
    ]
  }
}`
	var typed guidelineResponse
	if err := json.Unmarshal([]byte(raw), &typed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(typed.Get.Guideline) != 1 {
		t.Fatalf("guideline count = %d", len(typed.Get.Guideline))
	}
	g := typed.Get.Guideline[0]
	if g.Organization != "SCCM" || g.Additional.Distance != 0.42 {
		t.Errorf("decoded = %+v", g)
	}
}

func TestNewWeaviateRetriever_Defaults(t *testing.T) {
	r, err := NewWeaviateRetriever("localhost:8080", "", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.distanceThreshold != DefaultDistanceThreshold {
		t.Errorf("threshold = %v, want %v", r.distanceThreshold, DefaultDistanceThreshold)
	}
	if r.className != "Guideline" {
		t.Errorf("class = %q", r.className)
	}
}
