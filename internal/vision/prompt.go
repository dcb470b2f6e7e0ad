package vision

// detectionPrompt instructs the model to read the calendar's year/month header
// and report every day cell carrying a handwritten 田 mark, as JSON. Cells
// belonging to adjacent months (faint or grey rendering) are excluded at the
// source.
const detectionPrompt = `この画像はカレンダーの画像です。画像から正確に読み取った年月情報を優先してください。

あなたは専門的な文字認識AIです。以下の作業を高い精度で行ってください。

【重要】まず、カレンダーの年月情報を正確に読み取ってください：
1. カレンダーの中央上部または上部中央を探す
2. 月の情報：通常「8月」「9月」などの形式（日本語）
3. 年の情報：通常「2025年」などの形式（西暦）
4. ヘッダー部分やタイトル部分に年月が記載されていることが多い

【文字認識のガイドライン】
1. 「田」という漢字を正確に特定してください
2. 「田」の特徴：中央に十字の線があり、上下左右に四角い枠がある
3. 各日付セルの手書き文字の形状を分析し、確信度を評価：
   - high: 明らかに「田」の形をしている
   - medium: 「田」に似ているが、多少の曖昧さがある
   - low: 「田」の可能性があるが、不明瞭

【出力形式】以下のJSON形式で回答してください：

{
  "calendar_info": {
    "detected_year": 読み取れた年（数字のみ）,
    "detected_month": 読み取れた月（数字のみ）,
    "year_month_text": "画像から読み取った年月のテキスト（例: 2025年8月）",
    "detection_confidence": "high/medium/low",
    "location": "年月情報の位置（例: 中央上部）"
  },
  "found_dates": [
    {
      "day": 日付の数字（1-31）,
      "confidence": "high/medium/low",
      "description": "見つかった文字の詳細な説明",
      "location": "日付セルの位置の説明（例：左上、中央など）"
    }
  ]
}

【重要】
- 年月情報が検出できなかった場合は、found_datesを空の配列にしてください
- 前月または翌月の薄い文字の日付セルは処理対象から除外してください
- 背景がグレーで文字が白抜きになっている日付セルは除外してください
- 手書き文字のみを対象（印刷文字は無視）
- 複数の「田」文字がある場合はすべて検出`
