package main

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"codeground/internal/model"
	"codeground/internal/repository"
)

var starters = map[string]string{
	"javascript": "// Write your code here\nconsole.log(\"hello, world\");\n",
	"python":     "# Write your code here\nprint(\"hello, world\")\n",
	"cpp":        "// Write your code here\n#include <iostream>\n\nint main() {\n    std::cout << \"hello, world\" << std::endl;\n}\n",
	"java":       "// Write your code here\npublic class Main {\n    public static void main(String[] args) {\n        System.out.println(\"hello, world\");\n    }\n}\n",
	"c":          "// Write your code here\n#include <stdio.h>\n\nint main(void) {\n    printf(\"hello, world\\n\");\n}\n",
}

// seedDocuments stores one starter document per editor language under
// "<prefix>-<language>" and returns the session ids in language order.
func seedDocuments(ctx context.Context, docs repository.DocumentRepo, prefix string, now time.Time) ([]string, error) {
	ids := make([]string, 0, len(model.Languages))
	for _, lang := range model.Languages {
		id := prefix + "-" + lang
		doc := &model.Document{
			ID:        id,
			Code:      starters[lang],
			Language:  lang,
			UpdatedAt: now,
		}
		if err := docs.Save(ctx, doc); err != nil {
			return ids, errors.Wrapf(err, "seed %s", id)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
