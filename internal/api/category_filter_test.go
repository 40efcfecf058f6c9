package api

import (
	"math"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"strings"
	"testing"
)

func TestParseCategoryFilter(t *testing.T) {
	t.Run("absent", func(t *testing.T) {
		values, ok := parseCategoryFilter(url.Values{})
		if ok {
			t.Fatalf("expected ok=false, got true")
		}
		if values != nil {
			t.Fatalf("expected nil filter, got %#v", values)
		}
	})

	t.Run("commaSeparated", func(t *testing.T) {
		q, _ := url.ParseQuery("categories=T,B")
		values, ok := parseCategoryFilter(q)
		if !ok {
			t.Fatalf("expected ok=true, got false")
		}
		want := []string{"T", "B"}
		if !reflect.DeepEqual(values, want) {
			t.Fatalf("expected %#v, got %#v", want, values)
		}
	})

	t.Run("jsonArray", func(t *testing.T) {
		q, _ := url.ParseQuery(`categories=["T","B"]`)
		values, ok := parseCategoryFilter(q)
		if !ok {
			t.Fatalf("expected ok=true, got false")
		}
		want := []string{"T", "B"}
		if !reflect.DeepEqual(values, want) {
			t.Fatalf("expected %#v, got %#v", want, values)
		}
	})

	t.Run("jsonEmpty", func(t *testing.T) {
		q, _ := url.ParseQuery(`categories=[]`)
		values, ok := parseCategoryFilter(q)
		if !ok {
			t.Fatalf("expected ok=true, got false")
		}
		if values == nil || len(values) != 0 {
			t.Fatalf("expected non-nil empty filter, got %#v", values)
		}
	})

	t.Run("emptyString", func(t *testing.T) {
		q, _ := url.ParseQuery(`categories=`)
		values, ok := parseCategoryFilter(q)
		if !ok {
			t.Fatalf("expected ok=true, got false")
		}
		if values == nil || len(values) != 0 {
			t.Fatalf("expected non-nil empty filter, got %#v", values)
		}
	})

	t.Run("repeatedParams", func(t *testing.T) {
		q := url.Values{"categories": {"T", "B"}}
		values, ok := parseCategoryFilter(q)
		if !ok {
			t.Fatalf("expected ok=true, got false")
		}
		want := []string{"T", "B"}
		if !reflect.DeepEqual(values, want) {
			t.Fatalf("expected %#v, got %#v", want, values)
		}
	})
}

func TestParseCategoryFilterBody(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPut, "/api/sessions/x/filters/categories/cell_type", strings.NewReader(""))
		values, ok, err := parseCategoryFilterBody(r)
		if err != nil {
			t.Fatalf("expected err=nil, got %v", err)
		}
		if ok {
			t.Fatalf("expected ok=false, got true")
		}
		if values != nil {
			t.Fatalf("expected nil filter, got %#v", values)
		}
	})

	t.Run("jsonArray", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPut, "/api/sessions/x/filters/categories/cell_type", strings.NewReader(`["T","B"]`))
		values, ok, err := parseCategoryFilterBody(r)
		if err != nil {
			t.Fatalf("expected err=nil, got %v", err)
		}
		if !ok {
			t.Fatalf("expected ok=true, got false")
		}
		want := []string{"T", "B"}
		if !reflect.DeepEqual(values, want) {
			t.Fatalf("expected %#v, got %#v", want, values)
		}
	})

	t.Run("jsonObject", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPut, "/api/sessions/x/filters/categories/cell_type", strings.NewReader(`{"categories":["T","B"]}`))
		values, ok, err := parseCategoryFilterBody(r)
		if err != nil {
			t.Fatalf("expected err=nil, got %v", err)
		}
		if !ok {
			t.Fatalf("expected ok=true, got false")
		}
		want := []string{"T", "B"}
		if !reflect.DeepEqual(values, want) {
			t.Fatalf("expected %#v, got %#v", want, values)
		}
	})

	t.Run("formEncodedJson", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPut, "/api/sessions/x/filters/categories/cell_type", strings.NewReader(`categories=["T","B"]`))
		values, ok, err := parseCategoryFilterBody(r)
		if err != nil {
			t.Fatalf("expected err=nil, got %v", err)
		}
		if !ok {
			t.Fatalf("expected ok=true, got false")
		}
		want := []string{"T", "B"}
		if !reflect.DeepEqual(values, want) {
			t.Fatalf("expected %#v, got %#v", want, values)
		}
	})

	t.Run("jsonObjectNull", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPut, "/api/sessions/x/filters/categories/cell_type", strings.NewReader(`{"categories":null}`))
		values, ok, err := parseCategoryFilterBody(r)
		if err != nil {
			t.Fatalf("expected err=nil, got %v", err)
		}
		if ok || values != nil {
			t.Fatalf("expected no filter, got %#v (ok=%v)", values, ok)
		}
	})

	t.Run("invalidObject", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPut, "/api/sessions/x/filters/categories/cell_type", strings.NewReader(`{"categories":`))
		if _, _, err := parseCategoryFilterBody(r); err == nil {
			t.Fatalf("expected error for truncated body")
		}
	})
}

func TestParseRangeQuery(t *testing.T) {
	q, _ := url.ParseQuery("min=100&max=500")
	r, err := parseRangeQuery(q)
	if err != nil {
		t.Fatalf("parseRangeQuery: %v", err)
	}
	if r.Min != 100 || r.Max != 500 {
		t.Fatalf("unexpected range %+v", r)
	}

	q, _ = url.ParseQuery("min=0.5")
	r, err = parseRangeQuery(q)
	if err != nil {
		t.Fatalf("parseRangeQuery: %v", err)
	}
	if r.Min != 0.5 || !math.IsInf(r.Max, 1) {
		t.Fatalf("expected open upper bound, got %+v", r)
	}

	q, _ = url.ParseQuery("max=NaN")
	if _, err := parseRangeQuery(q); err == nil {
		t.Fatalf("expected error for NaN bound")
	}
}
