package profile

var builtin = []Profile{
	{
		Name:                  "x",
		Hosts:                 []string{"x.com", "twitter.com"},
		PostSelector:          `article`,
		TextContainerSelector: `div[data-testid="tweetText"] span`,
	},
	{
		Name:                  "instagram",
		Hosts:                 []string{"instagram.com"},
		PostSelector:          `article, div[role="dialog"]`,
		TextContainerSelector: `._a9zs, ._aacl, div[role="button"] span, div[dir="auto"], span[dir="auto"]`,
		Supplementary: []Query{
			{Selector: `div[role="menuitem"], div[data-visualcompletion="ignore-dynamic"]`},
		},
	},
	{
		Name:                  "threads",
		Hosts:                 []string{"threads.net", "threads.com"},
		PostSelector:          `div[role="article"]`,
		TextContainerSelector: `span[data-pressable-container="true"], div[dir="auto"], span.x1lliihq, span.x1iorvi4, div.xdj266r`,
		Supplementary: []Query{
			{Selector: `span, div[dir="auto"]`},
		},
	},
	{
		Name:                  "reddit",
		Hosts:                 []string{"reddit.com"},
		PostSelector:          `h1[id^="post-title-"], div[id^="t3_"][id*="-post-rtjson-content"], div[id^="t1_"][id*="-comment-rtjson-content"]`,
		TextContainerSelector: `h1[id^="post-title-"], div[id^="t3_"][id*="-post-rtjson-content"] p, div[id^="t1_"][id*="-post-rtjson-content"] p`,
	},
}
