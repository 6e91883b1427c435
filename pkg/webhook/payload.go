package webhook

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
)

// Payload is the JSON body POSTed to a subscription's target URL.
type Payload struct {
	ID         uuid.UUID  `json:"id"`
	Event      string     `json:"event"`
	Collection string     `json:"collection"`
	Timestamp  time.Time  `json:"timestamp"`
	Webhook    webhookRef `json:"webhook"`
	Data       data       `json:"data"`
}

type webhookRef struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name,omitempty"`
}

type data struct {
	Document         bson.M `json:"document"`
	PreviousDocument bson.M `json:"previousDocument,omitempty"`
}

// maskFields removes each dot-path in excludeFields from doc, in place on a
// shallow copy, supporting nested paths (e.g. "address.city").
func maskFields(doc bson.M, excludeFields []string) bson.M {
	if doc == nil || len(excludeFields) == 0 {
		return doc
	}
	out := deepCopyBSON(doc)
	for _, path := range excludeFields {
		removePath(out, path)
	}
	return out
}

func removePath(doc bson.M, path string) {
	segs := strings.Split(path, ".")
	cur := doc
	for i, seg := range segs {
		if i == len(segs)-1 {
			delete(cur, seg)
			return
		}
		next, ok := cur[seg].(bson.M)
		if !ok {
			if m, ok2 := cur[seg].(map[string]any); ok2 {
				next = bson.M(m)
			} else {
				return
			}
		}
		cur = next
	}
}

func deepCopyBSON(m bson.M) bson.M {
	out := make(bson.M, len(m))
	for k, v := range m {
		if nested, ok := v.(bson.M); ok {
			out[k] = deepCopyBSON(nested)
		} else if nested, ok := v.(map[string]any); ok {
			out[k] = deepCopyBSON(bson.M(nested))
		} else {
			out[k] = v
		}
	}
	return out
}
