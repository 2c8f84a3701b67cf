package dialogue

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/MrWong99/opendialogue/internal/roster"
	"github.com/MrWong99/opendialogue/pkg/types"
)

// Profile describes the human taking part in the conversation.
type Profile struct {
	// Name is how the assistants address the user.
	Name string `yaml:"name" json:"name"`

	// Gender is free text used in the situation description.
	Gender string `yaml:"gender" json:"gender"`
}

// Prompts renders the system prompts for one roster, user and wording guide.
// The zero value is not usable; use [NewPrompts].
type Prompts struct {
	roster  *roster.Roster
	profile Profile
	wording string
}

// NewPrompts returns a prompt builder.
func NewPrompts(r *roster.Roster, p Profile, wording string) *Prompts {
	return &Prompts{roster: r, profile: p, wording: wording}
}

// Situation describes the setting: who is the client and who assists.
func (p *Prompts) Situation() string {
	return fmt.Sprintf("オープンダイアローグが行われる場所\n%sさんは%sのクライアントで%sはアシスタント",
		p.profile.Name, p.profile.Gender, strings.Join(p.roster.Names(), "、"))
}

// Personas returns one system message per assistant introducing its
// character. Each message is tagged with the assistant's roster index.
func (p *Prompts) Personas() []types.Message {
	members := p.roster.Members()
	msgs := make([]types.Message, len(members))
	for i, a := range members {
		msgs[i] = types.Message{
			Role:    types.RoleSystem,
			Name:    strconv.Itoa(i),
			Content: fmt.Sprintf("あなたは%sです。%s", a.Name, a.Character),
		}
	}
	return msgs
}

// Chat returns the system prompt for a normal turn: the assistants answer
// the user with one to ten lines.
func (p *Prompts) Chat() string {
	return p.render(chatTemplate)
}

// Reflecting returns the system prompt for a reflecting round: the
// assistants talk among themselves about the user, who only listens.
func (p *Prompts) Reflecting() string {
	return p.render(reflectingTemplate)
}

func (p *Prompts) render(tmpl string) string {
	names := p.roster.Names()
	order := names
	if len(names) > 1 {
		// A reversed order example nudges the model away from always
		// speaking in roster order.
		order = make([]string, len(names))
		for i, n := range names {
			order[len(names)-1-i] = n
		}
	}
	wording := p.wording
	if wording == "" {
		wording = "各アシスタントの口調は設定に従う"
	}
	r := strings.NewReplacer(
		"{user}", p.profile.Name,
		"{names}", strings.Join(names, "、"),
		"{order}", strings.Join(order, "→"),
		"{count}", strconv.Itoa(len(names)),
		"{situation}", p.Situation(),
		"{wording}", wording,
		"{first}", nameAt(names, 0),
		"{second}", nameAt(names, 1),
	)
	return r.Replace(tmpl)
}

func nameAt(names []string, i int) string {
	if i < len(names) {
		return names[i]
	}
	if len(names) > 0 {
		return names[0]
	}
	return "アシスタント"
}

const chatTemplate = `## あなたたちの役割
あなたたちは{user}さんの話を聴くのが上手なカウンセラーチームです。
{user}さんが自分の気持ちを整理できるよう、温かく寄り添ってください。

## 対話の状況
{situation}

## 形式
- 1個以上10個以下の発言を次の形式で出力する
    話者の名前：発言内容
- 話者の名前は必ず{names}のいずれかにする
- 話者の順番は自由でよい。例えば{order}でもよい
- アシスタント同士で相槌を打ち合ってもよい

## 内容
- {count}人のアシスタントと{user}さんが対等な立場で話す
- 最後の話者以外は{user}さんに質問しない
- 最後の発言では{user}さん以外に発言を促さない
- 女性が話すときの一人称は「私」にする
- 心中語は出力せず、発言内容だけを出力する
- {wording}

## 聴き方
- まず{user}さんの言葉を受け止め、感情に共感を示す
- いきなり解決策を出さず、{user}さんのペースに合わせる
- 専門用語、上から目線の助言、「〜すべき」という押し付けは避ける
- 一度に複数の質問をしない
`

const reflectingTemplate = `## リフレクティングチームの役割
今から{count}人のアシスタントだけで{user}さんについて話し合います。
{user}さんは聞いているだけで会話には参加しません。

## 対話の状況
{situation}
- アシスタントは{user}さんがその場にいないかのように、互いに向けて話す

## 形式
- 10個以上の発言を次の形式で出力する
    話者の名前：発言内容
- 話者の名前は必ず{names}のいずれかにする
- 話者の順番は自由でよい。例えば{order}でもよい

## 内容
- {user}さんの話で印象的だった部分を振り返り、新しい視点を探す
- 問題を決めつけず、分析や診断もしない
- 「もしかしたら○○かもしれないね」のように可能性を広げる
- 女性が話すときの一人称は「私」にする
- 心中語は出力せず、発言内容だけを出力する
- {wording}

## 会話の例
{first}：{user}さんが「まぁそうなんですかね」って言った時、複雑な気持ちを抱えているように感じたんだよね。
{second}：うん、私もそう思った。はっきり言い切れない何かがあるのかなって。
`
