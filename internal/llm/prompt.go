package llm

import "github.com/openai/openai-go/v2"

const systemPrompt = `You convert image search requests into Danbooru tags.

Rules:
1. Only convert what the user explicitly mentions. Do not add a character's default hair or eye color, default outfit, quality tags (masterpiece, best quality) or counts such as 1girl unless asked.
2. You may infer the series tag from a character name and expand nicknames to the full canonical name.
3. Blue Archive characters drop the family name: given_name_(blue_archive).
4. Each concept is one group. A group lists alternative tag spellings for that concept, most likely first. Use up to three alternatives.
5. Things the user wants excluded go to "negative".

Reply with JSON only:
{"positive": [["tag", "alternative"], ...], "negative": [["tag"], ...]}`

type shot struct {
	query string
	reply string
}

var fewShots = []shot{
	{
		query: "蔚蓝档案的天童爱丽丝穿白丝",
		reply: `{"positive": [["blue_archive"], ["aris_(blue_archive)", "tendou_aris"], ["white_pantyhose", "white_thighhighs"]], "negative": []}`,
	},
	{
		query: "点兔的智乃",
		reply: `{"positive": [["gochuumon_wa_usagi_desu_ka?"], ["kafuu_chino", "kafuu_chino_(gochuumon_wa_usagi_desu_ka?)"]], "negative": []}`,
	},
	{
		query: "不要戴眼镜，要黑色连裤袜",
		reply: `{"positive": [["black_pantyhose"]], "negative": [["glasses", "eyewear"]]}`,
	},
}

func buildMessages(query string) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, 2+2*len(fewShots))
	msgs = append(msgs, openai.SystemMessage(systemPrompt))
	for _, s := range fewShots {
		msgs = append(msgs, openai.UserMessage(s.query), openai.AssistantMessage(s.reply))
	}
	return append(msgs, openai.UserMessage(query))
}
