package dispatcher

import (
	"io"
	"log/slog"
	"testing"

	"go.mongodb.org/mongo-driver/bson"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMatch_EmptyFilterAlwaysMatches(t *testing.T) {
	if !Match(testLogger(), bson.M{"status": "open"}, nil) {
		t.Error("nil filter should match")
	}
	if !Match(testLogger(), bson.M{"status": "open"}, bson.M{}) {
		t.Error("empty filter should match")
	}
}

func TestMatch_DirectEquality(t *testing.T) {
	doc := bson.M{"status": "open"}
	if !Match(testLogger(), doc, bson.M{"status": "open"}) {
		t.Error("want match on equal value")
	}
	if Match(testLogger(), doc, bson.M{"status": "closed"}) {
		t.Error("want no match on different value")
	}
	if Match(testLogger(), doc, bson.M{"missing_field": "open"}) {
		t.Error("want no match when field absent")
	}
}

func TestMatch_DottedPath(t *testing.T) {
	doc := bson.M{"address": bson.M{"city": "berlin"}}
	if !Match(testLogger(), doc, bson.M{"address.city": "berlin"}) {
		t.Error("want match through dotted path")
	}
	if Match(testLogger(), doc, bson.M{"address.country": "de"}) {
		t.Error("want no match for missing nested field")
	}
}

func TestMatch_Operators(t *testing.T) {
	cases := []struct {
		name   string
		doc    bson.M
		filter bson.M
		want   bool
	}{
		{"eq match", bson.M{"n": int64(5)}, bson.M{"n": bson.M{"$eq": int64(5)}}, true},
		{"ne match", bson.M{"n": int64(5)}, bson.M{"n": bson.M{"$ne": int64(6)}}, true},
		{"ne field missing counts as not-equal", bson.M{}, bson.M{"n": bson.M{"$ne": int64(6)}}, true},
		{"gt true", bson.M{"n": int64(5)}, bson.M{"n": bson.M{"$gt": int64(1)}}, true},
		{"gt false", bson.M{"n": int64(5)}, bson.M{"n": bson.M{"$gt": int64(10)}}, false},
		{"gte boundary", bson.M{"n": int64(5)}, bson.M{"n": bson.M{"$gte": int64(5)}}, true},
		{"lt true", bson.M{"n": int64(1)}, bson.M{"n": bson.M{"$lt": int64(5)}}, true},
		{"lte boundary", bson.M{"n": int64(5)}, bson.M{"n": bson.M{"$lte": int64(5)}}, true},
		{"exists true satisfied", bson.M{"n": int64(5)}, bson.M{"n": bson.M{"$exists": true}}, true},
		{"exists true unsatisfied", bson.M{}, bson.M{"n": bson.M{"$exists": true}}, false},
		{"exists false satisfied", bson.M{}, bson.M{"n": bson.M{"$exists": false}}, true},
		{"in match", bson.M{"tier": "gold"}, bson.M{"tier": bson.M{"$in": bson.A{"silver", "gold"}}}, true},
		{"in no match", bson.M{"tier": "bronze"}, bson.M{"tier": bson.M{"$in": bson.A{"silver", "gold"}}}, false},
		{"nin match", bson.M{"tier": "bronze"}, bson.M{"tier": bson.M{"$nin": bson.A{"silver", "gold"}}}, true},
		{"regex match", bson.M{"email": "a@example.com"}, bson.M{"email": bson.M{"$regex": "^a@"}}, true},
		{"regex no match", bson.M{"email": "b@example.com"}, bson.M{"email": bson.M{"$regex": "^a@"}}, false},
		{"unknown operator mismatches", bson.M{"n": int64(5)}, bson.M{"n": bson.M{"$mod": int64(2)}}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Match(testLogger(), tc.doc, tc.filter); got != tc.want {
				t.Errorf("Match() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestMatch_MultipleFieldsAreAnded(t *testing.T) {
	doc := bson.M{"status": "open", "priority": int64(3)}
	filter := bson.M{"status": "open", "priority": bson.M{"$gte": int64(2)}}
	if !Match(testLogger(), doc, filter) {
		t.Error("want match when every field condition is satisfied")
	}

	filter["priority"] = bson.M{"$gte": int64(5)}
	if Match(testLogger(), doc, filter) {
		t.Error("want no match when any field condition fails")
	}
}
